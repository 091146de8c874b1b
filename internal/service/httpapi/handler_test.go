package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/jobqueue"
	"github.com/vladislavdragonenkov/settlement/internal/service/analysis"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/settlement/internal/service/payment"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/service/status"
	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

const testSecret = "webhook-secret"

type testAPI struct {
	server        *httptest.Server
	ledger        domain.OfferingLedger
	consultations domain.ConsultationRepository
	machine       *lifecycle.Machine
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()

	logger := logrus.New().WithField("component", "test")
	consultations := memory.NewConsultationRepository()
	ledger := memory.NewOfferingLedger()
	machine := lifecycle.NewMachine(consultations, memory.NewSettlementAttemptRepository(), memory.NewOutboxRepository(), logger)
	queue := jobqueue.NewMemoryQueue(64, 1, logger)
	trigger := analysis.NewTrigger(machine, queue, analysis.NewStubAnalyzer(0), analysis.NewLogNotifier(logger), analysis.Config{}, nil, logger)
	coordinator := settlement.NewCoordinator(machine, ledger, payment.NewMockProvider(), trigger, nil, logger)
	ingestor := webhook.NewIngestor(memory.NewPaymentEventRepository(), consultations, coordinator, testSecret, nil, logger)

	handler := NewHandler(Deps{
		Consultations: coordinator,
		Analysis:      trigger,
		Status:        status.NewService(machine),
		PaymentEvents: ingestor,
		Ledger:        ledger,
		Idempotency:   memory.NewIdempotencyRepository(),
		Logger:        logger,
	})
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return testAPI{server: server, ledger: ledger, consultations: consultations, machine: machine}
}

func (a testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func createBody(id string, qty int64) map[string]interface{} {
	return map[string]interface{}{
		"id":                id,
		"user_id":           "u-1",
		"service_choice_id": "natal-chart",
		"required_offerings": []map[string]interface{}{
			{"offering_id": "credits", "quantity": qty},
		},
	}
}

func TestCreateConsultation(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 2), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created consultationResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "c-1", created.ID)
	assert.Equal(t, domain.ConsultationStatusPending, created.Status)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 2), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateConsultationValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "invalid json", body: []byte("{")},
		{name: "empty body", body: []byte("")},
		{name: "missing user", body: map[string]interface{}{
			"service_choice_id":  "natal-chart",
			"required_offerings": []map[string]interface{}{{"offering_id": "credits", "quantity": 1}},
		}},
		{name: "empty offerings", body: map[string]interface{}{
			"user_id": "u-1", "service_choice_id": "natal-chart", "required_offerings": []interface{}{},
		}},
		{name: "zero quantity", body: createBody("c-1", 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := api.do(t, http.MethodPost, "/api/v1/consultations", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestCreateConsultationIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	headers := map[string]string{IdempotencyKeyHeader: "key-1"}

	first, firstBody := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("", 1), headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second, secondBody := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("", 1), headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.JSONEq(t, string(firstBody), string(secondBody))

	list, err := api.consultations.ListByUser(context.Background(), "u-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	mismatch, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("", 5), headers)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.StatusCode)
}

func TestSettleWithOfferingsIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	headers := map[string]string{IdempotencyKeyHeader: "pay-1"}

	for _, id := range []string{"c-1", "c-2"} {
		resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody(id, 2), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body := api.do(t, http.MethodPost, "/api/v1/users/u-1/offerings", map[string]interface{}{
		"offering_id": "credits", "quantity": 5,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	first, firstBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, headers)
	require.Equal(t, http.StatusOK, first.StatusCode, string(firstBody))
	again, againBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, headers)
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.JSONEq(t, string(firstBody), string(againBody))

	var result resultResponse
	require.NoError(t, json.Unmarshal(againBody, &result))
	assert.Equal(t, domain.ConsumeResultConsumed, result.Consume)

	other, otherBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-2/settle/offerings", nil, headers)
	require.Equal(t, http.StatusOK, other.StatusCode, string(otherBody))
	require.NoError(t, json.Unmarshal(otherBody, &result))
	assert.True(t, result.Applied, "the same key on another consultation is a separate request")
	assert.Equal(t, "c-2", result.Consultation.ID)

	resp, body = api.do(t, http.MethodGet, "/api/v1/users/u-1/offerings/credits", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stock stockResponse
	require.NoError(t, json.Unmarshal(body, &stock))
	assert.Equal(t, int64(1), stock.Available)
}

func TestSettleWithOfferingsIdempotencyReplaysFailure(t *testing.T) {
	api := newTestAPI(t)
	headers := map[string]string{IdempotencyKeyHeader: "pay-1"}

	resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 2), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	first, firstBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, headers)
	require.Equal(t, http.StatusConflict, first.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/v1/users/u-1/offerings", map[string]interface{}{
		"offering_id": "credits", "quantity": 5,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	again, againBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, headers)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	assert.JSONEq(t, string(firstBody), string(againBody))

	fresh, freshBody := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, map[string]string{IdempotencyKeyHeader: "pay-2"})
	assert.Equal(t, http.StatusOK, fresh.StatusCode, string(freshBody))
}

func TestSettleWithOfferingsFlow(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 3), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Contains(t, string(body), domain.ErrInsufficientStock.Error())

	resp, body = api.do(t, http.MethodPost, "/api/v1/users/u-1/offerings", map[string]interface{}{
		"offering_id": "credits", "quantity": 5,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result resultResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Applied)
	assert.Equal(t, domain.ConsultationStatusGenerating, result.Consultation.Status)
	assert.Equal(t, domain.ConsumeResultConsumed, result.Consume)

	resp, body = api.do(t, http.MethodGet, "/api/v1/users/u-1/offerings/credits", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stock stockResponse
	require.NoError(t, json.Unmarshal(body, &stock))
	assert.Equal(t, int64(2), stock.Available)

	resp, body = api.do(t, http.MethodGet, "/api/v1/consultations/c-1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view status.View
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, domain.ConsultationStatusGenerating, view.Status)
	assert.False(t, view.IsAnalysisReady)
	assert.Positive(t, view.PollAfterSeconds)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/consultations/c-1/cancel", map[string]string{"reason": "late"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExternalPaymentWebhookFlow(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/external", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result resultResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, domain.ConsultationStatusAwaitingPayment, result.Consultation.Status)
	assert.NotEmpty(t, result.Consultation.RedirectURL)

	payload := []byte(`{"token":"pay-c-1","status_code":"1","metadata":{"consultation_id":"c-1"}}`)

	resp, body = api.do(t, http.MethodPost, "/api/v1/webhooks/payment", payload, map[string]string{SignatureHeader: "deadbeef"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack webhook.Ack
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.False(t, ack.Success)

	signed := map[string]string{SignatureHeader: webhook.Sign(testSecret, payload)}
	resp, body = api.do(t, http.MethodPost, "/api/v1/webhooks/payment", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Success)

	resp, body = api.do(t, http.MethodPost, "/api/v1/webhooks/payment", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Success)

	c, err := api.consultations.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsultationStatusGenerating, c.Status)
}

func TestWebhookAlwaysAnswers200(t *testing.T) {
	api := newTestAPI(t)

	body := []byte("not json")
	resp, raw := api.do(t, http.MethodPost, "/api/v1/webhooks/payment", body, map[string]string{SignatureHeader: webhook.Sign(testSecret, body)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack webhook.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.False(t, ack.Success)
}

func TestUnlinkedEventRelink(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/external", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := []byte(`{"token":"orphan-1","status_code":1}`)
	resp, _ = api.do(t, http.MethodPost, "/api/v1/webhooks/payment", payload, map[string]string{SignatureHeader: webhook.Sign(testSecret, payload)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/api/v1/payment-events/unlinked", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []paymentEventResponse
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "orphan-1", events[0].Token)
	assert.True(t, events[0].NeedsReview)

	resp, body = api.do(t, http.MethodPost, "/api/v1/payment-events/orphan-1/relink", map[string]string{"consultation_id": "c-1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	c, err := api.consultations.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsultationStatusGenerating, c.Status)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/payment-events/missing/relink", map[string]string{"consultation_id": "c-1"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryAndRefund(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, api.ledger.Credit(ctx, "u-1", "credits", 1))
	resp, _ := api.do(t, http.MethodPost, "/api/v1/consultations", createBody("c-1", 1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/api/v1/consultations/c-1/settle/offerings", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/consultations/c-1/analysis/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, _, err := api.machine.Apply(ctx, "c-1", lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "test_fail",
		Mutate: func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			out := c.Transition(domain.ConsultationStatusError, now)
			c.Retryable = true
			return out, nil
		},
	})
	require.NoError(t, err)

	resp, body := api.do(t, http.MethodPost, "/api/v1/consultations/c-1/refund", map[string]string{"reason": "gave up"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result resultResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, domain.ConsultationStatusRefunded, result.Consultation.Status)

	stock, err := api.ledger.Stock(ctx, "u-1", "credits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stock.Available)
}

func TestNotFoundRoutes(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodGet, "/api/v1/consultations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/consultations/missing/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.ErrConsultationNotFound, http.StatusNotFound},
		{domain.ErrUserRequired, http.StatusBadRequest},
		{domain.ErrInsufficientStock, http.StatusConflict},
		{domain.ErrRetryNotAllowed, http.StatusConflict},
		{domain.ErrIdempotencyHashMismatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("create payment: %w", domain.ErrPaymentTemporary), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, message := mapError(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.NotEmpty(t, message)
	}

	_, message := mapError(fmt.Errorf("load: %w", domain.ErrConsultationNotFound))
	assert.Equal(t, domain.ErrConsultationNotFound.Error(), message)
}
