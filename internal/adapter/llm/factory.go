package llm

import (
	"context"
	"fmt"
	"log/slog"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

// New builds the gateway selected by cfg.Provider, wrapped in a circuit
// breaker when enabled. The context is only used while building clients.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (domain.ModelGateway, error) {
	gw, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		logger.Info("llm circuit breaker enabled",
			"max_failures", cb.MaxFailures,
			"timeout", cb.Timeout,
			"interval", cb.Interval,
		)
		return NewCircuitBreakerGateway(gw, cb, logger), nil
	}
	return gw, nil
}

func newProvider(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (domain.ModelGateway, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicGateway(cfg, logger), nil
	case "openai":
		return NewOpenAIGateway(cfg, logger), nil
	case "gemini":
		return NewGeminiGateway(ctx, cfg, logger)
	case "bedrock":
		return NewBedrockGateway(ctx, cfg, logger)
	case "remote":
		return NewRemoteGateway(cfg, nil, logger)
	case "mock", "":
		return NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, cfg.Provider)
	}
}
