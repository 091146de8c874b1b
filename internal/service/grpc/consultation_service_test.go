package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/jobqueue"
	"github.com/vladislavdragonenkov/settlement/internal/service/analysis"
	grpcsvc "github.com/vladislavdragonenkov/settlement/internal/service/grpc"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/settlement/internal/service/payment"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	statussvc "github.com/vladislavdragonenkov/settlement/internal/service/status"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

const bufSize = 1024 * 1024

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", key)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

type testEnv struct {
	client      *grpcsvc.ConsultationClient
	ledger      domain.OfferingLedger
	idempotency *memory.IdempotencyRepository
}

func newTestServer(t *testing.T) testEnv {
	t.Helper()

	logger := loggerForTests()
	consultations := memory.NewConsultationRepository()
	ledger := memory.NewOfferingLedger()
	machine := lifecycle.NewMachine(consultations, memory.NewSettlementAttemptRepository(), nil, logger)
	trigger := analysis.NewTrigger(machine, jobqueue.NewMemoryQueue(16, 1, logger), analysis.NewStubAnalyzer(0), nil, analysis.Config{}, nil, logger)
	coordinator := settlement.NewCoordinator(machine, ledger, payment.NewMockProvider(), trigger, nil, logger)
	idempotency := memory.NewIdempotencyRepository()
	service := grpcsvc.NewConsultationService(coordinator, trigger, statussvc.NewService(machine), idempotency, logger)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterConsultationServer(server, service)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	//nolint:staticcheck // grpc.Dial нужен для bufconn
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})

	return testEnv{client: grpcsvc.NewConsultationClient(conn), ledger: ledger, idempotency: idempotency}
}

func createRequest(id string, qty int64) map[string]interface{} {
	return map[string]interface{}{
		"id":                id,
		"user_id":           "u-1",
		"service_choice_id": "natal-chart",
		"required_offerings": []interface{}{
			map[string]interface{}{"offering_id": "credits", "quantity": qty},
		},
	}
}

func TestCreateConsultationRequiresIdempotencyKey(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(context.Background(), "CreateConsultation", createRequest("c-1", 1))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateConsultationIdempotentReplay(t *testing.T) {
	env := newTestServer(t)
	ctx := idemCtx("key-1")

	first, err := env.client.Call(ctx, "CreateConsultation", createRequest("", 2))
	require.NoError(t, err)
	id := first.GetFields()["id"].GetStringValue()
	require.NotEmpty(t, id)
	assert.Equal(t, "PENDING", first.GetFields()["status"].GetStringValue())

	second, err := env.client.Call(ctx, "CreateConsultation", createRequest("", 2))
	require.NoError(t, err)
	assert.Equal(t, id, second.GetFields()["id"].GetStringValue())

	_, err = env.client.Call(ctx, "CreateConsultation", createRequest("", 3))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	list, err := env.client.Call(context.Background(), "ListConsultations", map[string]interface{}{"user_id": "u-1"})
	require.NoError(t, err)
	assert.Len(t, list.GetFields()["consultations"].GetListValue().GetValues(), 1)

	record, err := env.idempotency.Get(context.Background(), domain.IdempotencyScope{
		Operation: domain.IdempotencyOpCreateConsultation,
		Subject:   "u-1",
		Key:       "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, id, record.ConsultationID)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
}

func TestCreateConsultationKeyScopedPerUser(t *testing.T) {
	env := newTestServer(t)
	ctx := idemCtx("shared-key")

	first, err := env.client.Call(ctx, "CreateConsultation", createRequest("", 2))
	require.NoError(t, err)

	other := createRequest("", 2)
	other["user_id"] = "u-2"
	second, err := env.client.Call(ctx, "CreateConsultation", other)
	require.NoError(t, err)
	assert.NotEqual(t, first.GetFields()["id"].GetStringValue(), second.GetFields()["id"].GetStringValue())
	assert.Equal(t, "u-2", second.GetFields()["user_id"].GetStringValue())
}

func TestCreateConsultationFailureIsCached(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(idemCtx("key-a"), "CreateConsultation", createRequest("c-1", 1))
	require.NoError(t, err)

	_, err = env.client.Call(idemCtx("key-b"), "CreateConsultation", createRequest("c-1", 1))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = env.client.Call(idemCtx("key-b"), "CreateConsultation", createRequest("c-1", 1))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestCreateConsultationValidation(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(idemCtx("key-v"), "CreateConsultation", map[string]interface{}{"user_id": "u-1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Call(idemCtx("key-q"), "CreateConsultation", createRequest("c-1", 0))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSettleAndStatus(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	_, err := env.client.Call(idemCtx("key-1"), "CreateConsultation", createRequest("c-1", 2))
	require.NoError(t, err)

	_, err = env.client.Call(ctx, "SettleWithOfferings", map[string]interface{}{"consultation_id": "c-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, env.ledger.Credit(ctx, "u-1", "credits", 2))
	result, err := env.client.Call(ctx, "SettleWithOfferings", map[string]interface{}{"consultation_id": "c-1"})
	require.NoError(t, err)
	assert.True(t, result.GetFields()["applied"].GetBoolValue())
	assert.Equal(t, "CONSUMED", result.GetFields()["consume"].GetStringValue())

	view, err := env.client.Call(ctx, "GetStatus", map[string]interface{}{"consultation_id": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "GENERATING", view.GetFields()["status"].GetStringValue())
	assert.False(t, view.GetFields()["is_analysis_ready"].GetBoolValue())

	_, err = env.client.Call(ctx, "CancelConsultation", map[string]interface{}{"consultation_id": "c-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = env.client.Call(ctx, "RetryAnalysis", map[string]interface{}{"consultation_id": "c-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = env.client.Call(ctx, "RefundConsultation", map[string]interface{}{"consultation_id": "c-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestExternalPaymentAndCancel(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	_, err := env.client.Call(idemCtx("key-1"), "CreateConsultation", createRequest("c-1", 1))
	require.NoError(t, err)

	result, err := env.client.Call(ctx, "SelectExternalPayment", map[string]interface{}{"consultation_id": "c-1"})
	require.NoError(t, err)
	consultation := result.GetFields()["consultation"].GetStructValue().GetFields()
	assert.Equal(t, "AWAITING_PAYMENT", consultation["status"].GetStringValue())
	assert.NotEmpty(t, consultation["redirect_url"].GetStringValue())

	result, err = env.client.Call(ctx, "CancelConsultation", map[string]interface{}{"consultation_id": "c-1", "reason": "changed mind"})
	require.NoError(t, err)
	consultation = result.GetFields()["consultation"].GetStructValue().GetFields()
	assert.Equal(t, "CANCELLED", consultation["status"].GetStringValue())
	assert.Equal(t, "changed mind", consultation["failure_reason"].GetStringValue())
}

func TestGetConsultationErrors(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(context.Background(), "GetConsultation", map[string]interface{}{"consultation_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.Call(context.Background(), "GetConsultation", map[string]interface{}{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Call(context.Background(), "Unknown", map[string]interface{}{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
