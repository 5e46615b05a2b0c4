package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockGateway{
		name: "test",
		generateFunc: func(context.Context, domain.GenerateRequest) (*domain.GenerateResponse, error) {
			return &domain.GenerateResponse{Content: []domain.ContentBlock{domain.NewTextBlock("ok")}}, nil
		},
	}

	cb := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{}, discardLogger())
	resp, err := cb.Generate(context.Background(), domain.GenerateRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content[0].Text)
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	inner := &mockGateway{
		name: "flaky",
		generateFunc: func(context.Context, domain.GenerateRequest) (*domain.GenerateResponse, error) {
			calls++
			return nil, domain.ErrProviderError
		},
	}
	cb := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    time.Minute,
	}, discardLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Generate(context.Background(), domain.GenerateRequest{})
		require.ErrorIs(t, err, domain.ErrProviderError)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Generate(context.Background(), domain.GenerateRequest{})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 3, calls, "open breaker must not reach the gateway")
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	fail := true
	inner := &mockGateway{
		name: "recovering",
		generateFunc: func(context.Context, domain.GenerateRequest) (*domain.GenerateResponse, error) {
			if fail {
				return nil, errors.New("down")
			}
			return &domain.GenerateResponse{StopReason: domain.StopEndTurn}, nil
		},
	}
	cb := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     50 * time.Millisecond,
	}, discardLogger())

	_, err := cb.Generate(context.Background(), domain.GenerateRequest{})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	fail = false
	time.Sleep(100 * time.Millisecond)

	_, err = cb.Generate(context.Background(), domain.GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &mockGateway{
		name: "cancelled",
		generateFunc: func(ctx context.Context, _ domain.GenerateRequest) (*domain.GenerateResponse, error) {
			return nil, context.Canceled
		},
	}
	cb := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{MaxFailures: 1}, discardLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Generate(context.Background(), domain.GenerateRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
