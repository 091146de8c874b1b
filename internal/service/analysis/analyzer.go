package analysis

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// StubAnalyzer используется для локального запуска: ждёт latency и отдаёт ссылку на результат.
type StubAnalyzer struct {
	latency time.Duration
}

// NewStubAnalyzer создаёт генератор с фиксированной задержкой.
func NewStubAnalyzer(latency time.Duration) *StubAnalyzer {
	return &StubAnalyzer{latency: latency}
}

// Generate возвращает ссылку analysis/<consultation_id>.
func (a *StubAnalyzer) Generate(ctx context.Context, consultation domain.Consultation) (domain.AnalysisResult, error) {
	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.AnalysisResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return domain.AnalysisResult{Ref: "analysis/" + consultation.ID}, nil
}
