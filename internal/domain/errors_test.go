package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("SessionSet.Call", ErrToolFailure, "tool 'get_logs'")
	want := "SessionSet.Call: tool 'get_logs': tool execution failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Orchestrator.Run", ErrRetryExhausted, "")
	want := "Orchestrator.Run: tool retries exhausted"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("SessionSet.Call", ErrToolNotFound, "list_prs")
	if !errors.Is(err, ErrToolNotFound) {
		t.Error("errors.Is should match ErrToolNotFound")
	}
	if !errors.Is(err, ErrConfig) {
		t.Error("tool not found should be a configuration error")
	}
	if errors.Is(err, ErrToolFailure) {
		t.Error("tool not found must not match ErrToolFailure")
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("firewall.scan", ErrFirewall)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFirewall)
	assert.Equal(t, "firewall.scan: safety filter unavailable", err.Error())
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"tool not found", ErrToolNotFound, CodeToolNotFound},
		{"tool failure", ErrToolFailure, CodeToolFailure},
		{"wrapped timeout", fmt.Errorf("run: %w", ErrRunTimeout), CodeRunTimeout},
		{"bare timeout category", ErrTimeout, CodeTimeout},
		{"unsupported service", ErrUnsupportedService, CodeUnsupportedService},
		{"gateway auth", ErrGatewayAuthFailed, CodeGatewayAuth},
		{"domain error", NewDomainError("x", ErrBackendConnect, "slack"), CodeBackendConnect},
		{"plain config", ErrConfig, CodeConfig},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestDomainErrorCode(t *testing.T) {
	err := NewDomainError("Orchestrator.Run", ErrRetryExhausted, "3 attempts")
	assert.Equal(t, CodeRetryExhausted, err.Code())
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeCompleted, OutcomeOf(nil))
	assert.Equal(t, OutcomeBlocked, OutcomeOf(ErrSafetyBlocked))
	assert.Equal(t, OutcomeRetryExhausted, OutcomeOf(WrapOp("run", ErrRetryExhausted)))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(ErrRunTimeout))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(context.DeadlineExceeded))
	assert.Equal(t, OutcomeConnectionFailed, OutcomeOf(NewDomainError("connect", ErrBackendConnect, "github")))
	assert.Equal(t, OutcomeConfigError, OutcomeOf(ErrToolNotFound))
	assert.Equal(t, OutcomeFailed, OutcomeOf(errors.New("boom")))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("%w: 429", ErrRateLimit)))
	assert.True(t, IsRetryableError(fmt.Errorf("%w: 503", ErrProviderError)))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}
