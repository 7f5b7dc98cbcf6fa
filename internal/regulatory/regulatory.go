// Package regulatory mirrors applied and correction events to the
// regulatory submission endpoint.
//
// Submission is strictly best-effort: it runs after the engine's transaction
// has committed, failures are logged and counted but never propagated, and a
// circuit breaker keeps a dead endpoint from adding latency to every trade.
package regulatory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// Sink posts submissions to the regulatory endpoint.
type Sink struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New builds the sink. A nil return from an empty baseURL disables
// submission entirely.
func New(baseURL string, logger *slog.Logger) *Sink {
	if baseURL == "" {
		return nil
	}
	return &Sink{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(3 * time.Second).
			SetHeader("Content-Type", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "regulatory",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: logger.With("component", "regulatory"),
	}
}

// Submit posts one submission. Always returns nil-effect to the caller: the
// outcome is logged, never surfaced.
func (s *Sink) Submit(ctx context.Context, kind string, payload any) {
	if s == nil {
		return
	}
	_, err := s.breaker.Execute(func() (any, error) {
		resp, err := s.http.R().
			SetContext(ctx).
			SetBody(payload).
			Post("/submissions/" + kind)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusBadRequest {
			return nil, fmt.Errorf("regulatory status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("regulatory submission failed", "kind", kind, "error", err)
	}
}
