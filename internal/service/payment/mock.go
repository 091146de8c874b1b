package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// MockProvider: конфигурируемая заглушка PaymentProvider для тестов и локального запуска.
type MockProvider struct {
	mu sync.Mutex

	RedirectBase string
	CreateErr    error
	VerifyCode   int
	VerifyErr    error
	RefundErr    error

	CreateCalls int
	VerifyCalls int
	RefundCalls int
	Refunded    []string
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		RedirectBase: "https://pay.example.test/checkout/",
		VerifyCode:   domain.ProviderStatusSuccess,
	}
}

// CreatePayment выдаёт детерминированную ссылку pay-<consultation_id>.
func (m *MockProvider) CreatePayment(_ context.Context, consultation domain.Consultation) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls++
	if m.CreateErr != nil {
		return domain.PaymentIntent{}, m.CreateErr
	}
	ref := "pay-" + consultation.ID
	return domain.PaymentIntent{Reference: ref, RedirectURL: m.RedirectBase + ref}, nil
}

// Verify возвращает настроенный код статуса.
func (m *MockProvider) Verify(_ context.Context, token string) (domain.VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.VerifyCalls++
	if m.VerifyErr != nil {
		return domain.VerificationResult{}, m.VerifyErr
	}
	return domain.VerificationResult{
		Token:      token,
		StatusCode: m.VerifyCode,
		Outcome:    domain.MapProviderStatus(m.VerifyCode),
	}, nil
}

// Refund запоминает ссылку возвращённого платежа.
func (m *MockProvider) Refund(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if m.RefundErr != nil {
		return m.RefundErr
	}
	m.Refunded = append(m.Refunded, reference)
	return nil
}

// SetVerifyCode меняет код, который вернёт Verify.
func (m *MockProvider) SetVerifyCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VerifyCode = code
}

// Calls возвращает счётчики вызовов (create, verify, refund).
func (m *MockProvider) Calls() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CreateCalls, m.VerifyCalls, m.RefundCalls
}

var _ domain.PaymentProvider = (*MockProvider)(nil)
