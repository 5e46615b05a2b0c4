package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerGateway fails fast once the wrapped gateway has failed
// repeatedly, until a half-open probe succeeds.
type CircuitBreakerGateway struct {
	inner   domain.ModelGateway
	breaker *gobreaker.CircuitBreaker[*domain.GenerateResponse]
}

// NewCircuitBreakerGateway wraps inner. Zero config values take defaults.
func NewCircuitBreakerGateway(inner domain.ModelGateway, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerGateway {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}

	cb := gobreaker.NewCircuitBreaker[*domain.GenerateResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    orDefault(cfg.Interval, defaultCBInterval),
		Timeout:     orDefault(cfg.Timeout, defaultCBTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Cancelled calls do not count as failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerGateway{inner: inner, breaker: cb}
}

// Generate routes the call through the breaker.
func (g *CircuitBreakerGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	resp, err := g.breaker.Execute(func() (*domain.GenerateResponse, error) {
		return g.inner.Generate(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: gateway %q: %v", domain.ErrCircuitOpen, g.inner.Name(), err)
	}
	return resp, err
}

func (g *CircuitBreakerGateway) Name() string { return g.inner.Name() }

// State reports the breaker state for health output.
func (g *CircuitBreakerGateway) State() gobreaker.State { return g.breaker.State() }

var _ domain.ModelGateway = (*CircuitBreakerGateway)(nil)
