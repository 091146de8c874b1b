package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StatusCode: код статуса провайдера; провайдер присылает его числом или строкой.
type StatusCode int

// UnmarshalJSON принимает 1 и "1".
func (c *StatusCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = 0
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("status_code: %w", err)
		}
		*c = StatusCode(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("status_code: %w", err)
	}
	*c = StatusCode(v)
	return nil
}

// Payload: уведомление провайдера.
type Payload struct {
	Token      string                 `json:"token"`
	StatusCode StatusCode             `json:"status_code"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ConsultationID достаёт идентификатор консультации из metadata.
func (p Payload) ConsultationID() string {
	if p.Metadata == nil {
		return ""
	}
	switch v := p.Metadata["consultation_id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

// Ack: ответ провайдеру. HTTP-статус всегда 200.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Sign возвращает hex HMAC-SHA256 тела запроса.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сверяет подпись X-Signature с телом запроса.
func VerifySignature(secret string, body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	if sig == "" || strings.TrimSpace(secret) == "" {
		return false
	}

	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
