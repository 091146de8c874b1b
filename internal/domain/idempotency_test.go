package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyScopeStorageKey(t *testing.T) {
	key, err := IdempotencyScope{Operation: IdempotencyOpSettleWithOfferings, Subject: " c-1 ", Key: " pay "}.StorageKey()
	require.NoError(t, err)
	assert.Equal(t, "settle_with_offerings:c-1:pay", key)

	other, err := IdempotencyScope{Operation: IdempotencyOpSettleWithOfferings, Subject: "c-2", Key: "pay"}.StorageKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = IdempotencyScope{Operation: IdempotencyOpCreateConsultation, Subject: "u-1"}.StorageKey()
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	_, err = IdempotencyScope{Operation: "refund", Key: "k"}.StorageKey()
	assert.ErrorIs(t, err, ErrIdempotencyOperationUnknown)
}

func TestNewIdempotencyRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	scope := IdempotencyScope{Operation: IdempotencyOpCreateConsultation, Subject: "u-1", Key: "k"}

	record, err := NewIdempotencyRecord(scope, " hash ", time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, "create_consultation:u-1:k", record.Key)
	assert.Equal(t, IdempotencyStatusProcessing, record.Status)
	assert.Equal(t, now.Add(DefaultIdempotencyTTL), record.TTLAt)
	assert.True(t, record.Matches("hash"))
	assert.False(t, record.Matches("other"))
	assert.False(t, record.Finished())

	_, err = NewIdempotencyRecord(scope, "  ", time.Time{}, now)
	assert.ErrorIs(t, err, ErrIdempotencyRequestHashRequired)
}

func TestIdempotencyRecordFinishAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	scope := IdempotencyScope{Operation: IdempotencyOpSettleWithOfferings, Subject: "c-1", Key: "k"}
	record, err := NewIdempotencyRecord(scope, "h", now.Add(time.Hour), now)
	require.NoError(t, err)

	body := []byte(`{"error":"insufficient offering stock"}`)
	record.Finish(IdempotencyStatusFailed, IdempotencyResult{ConsultationID: "c-1", Body: body, Code: 409}, now.Add(time.Second))
	body[0] = 'x'

	assert.True(t, record.Finished())
	assert.Equal(t, "c-1", record.ConsultationID)
	assert.Equal(t, 409, record.ResponseCode)
	assert.Equal(t, byte('{'), record.ResponseBody[0])
	assert.False(t, record.Expired(now))
	assert.True(t, record.Expired(now.Add(time.Hour)))
}

func TestIdempotencyStatusValid(t *testing.T) {
	for _, status := range []IdempotencyStatus{IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed} {
		assert.True(t, status.Valid(), status)
	}
	assert.False(t, IdempotencyStatus("broken").Valid())
}
