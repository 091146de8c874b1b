package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPProvider: клиент платёжного провайдера поверх его HTTP API.
type HTTPProvider struct {
	baseURL    string
	returnURL  string
	httpClient *http.Client
}

type createPaymentRequest struct {
	ConsultationID  string `json:"consultation_id"`
	UserID          string `json:"user_id"`
	ServiceChoiceID string `json:"service_choice_id"`
	ReturnURL       string `json:"return_url,omitempty"`
}

type createPaymentResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type verifyResponse struct {
	Token      string `json:"token"`
	StatusCode int    `json:"status_code"`
}

// NewHTTPProvider создаёт клиент провайдера. returnURL: куда провайдер вернёт пользователя.
func NewHTTPProvider(baseURL, returnURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &HTTPProvider{
		baseURL:    base,
		returnURL:  returnURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreatePayment регистрирует платёж и возвращает токен и ссылку для редиректа.
func (p *HTTPProvider) CreatePayment(ctx context.Context, consultation domain.Consultation) (domain.PaymentIntent, error) {
	body, err := json.Marshal(createPaymentRequest{
		ConsultationID:  consultation.ID,
		UserID:          consultation.UserID,
		ServiceChoiceID: consultation.ServiceChoiceID,
		ReturnURL:       p.returnURL,
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("marshal create payment: %w", err)
	}

	var resp createPaymentResponse
	if err := p.do(ctx, http.MethodPost, "/api/payments", body, &resp); err != nil {
		return domain.PaymentIntent{}, err
	}
	if resp.Token == "" {
		return domain.PaymentIntent{}, fmt.Errorf("provider returned empty token")
	}
	return domain.PaymentIntent{Reference: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// Verify запрашивает статус платежа по токену.
func (p *HTTPProvider) Verify(ctx context.Context, token string) (domain.VerificationResult, error) {
	if strings.TrimSpace(token) == "" {
		return domain.VerificationResult{}, domain.ErrPaymentTokenRequired
	}

	var resp verifyResponse
	if err := p.do(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(token), nil, &resp); err != nil {
		return domain.VerificationResult{}, err
	}
	if resp.Token == "" {
		resp.Token = token
	}
	return domain.VerificationResult{
		Token:      resp.Token,
		StatusCode: resp.StatusCode,
		Outcome:    domain.MapProviderStatus(resp.StatusCode),
	}, nil
}

// Refund возвращает средства по токену платежа.
func (p *HTTPProvider) Refund(ctx context.Context, reference string) error {
	if strings.TrimSpace(reference) == "" {
		return domain.ErrPaymentTokenRequired
	}
	return p.do(ctx, http.MethodPost, "/api/payments/"+url.PathEscape(reference)+"/refund", nil, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if p == nil || p.baseURL == "" {
		return fmt.Errorf("payment provider client not configured")
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %v", domain.ErrPaymentTemporary, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = seconds
			}
		}
		return fmt.Errorf("%w: rate limited, retry after %ds", domain.ErrPaymentTemporary, retryAfter)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: provider status %d", domain.ErrPaymentTemporary, resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("unexpected provider status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ domain.PaymentProvider = (*HTTPProvider)(nil)
