package status

import (
	"context"
	"time"
)

// Getter: источник статуса для поллера (сервис или HTTP-клиент).
type Getter interface {
	Get(ctx context.Context, consultationID string) (View, error)
}

// Poller опрашивает статус до терминального состояния или таймаута.
type Poller struct {
	getter   Getter
	interval time.Duration
	maxWait  time.Duration
}

// NewPoller создаёт поллер. interval<=0: берётся из PollAfterSeconds ответа.
func NewPoller(getter Getter, interval, maxWait time.Duration) *Poller {
	return &Poller{getter: getter, interval: interval, maxWait: maxWait}
}

// Wait возвращает первое терминальное представление. По таймауту отдаёт
// последнее полученное представление и ErrPollTimeout.
func (p *Poller) Wait(ctx context.Context, consultationID string) (View, error) {
	if p.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}

	var last View
	for {
		view, err := p.getter.Get(ctx, consultationID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ErrPollTimeout
			}
			return last, err
		}
		last = view
		if view.IsTerminal {
			return view, nil
		}

		wait := p.interval
		if wait <= 0 {
			wait = time.Duration(view.PollAfterSeconds) * time.Second
		}
		if wait <= 0 {
			wait = DefaultPollAfter
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ErrPollTimeout
		case <-timer.C:
		}
	}
}
