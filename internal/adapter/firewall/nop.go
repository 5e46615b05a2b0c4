package firewall

import (
	"context"
	"log/slog"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

// Nop allows everything. It is used when the firewall is disabled.
type Nop struct{}

func (Nop) Scan(context.Context, string, bool) (*domain.Verdict, error) {
	return &domain.Verdict{}, nil
}

// Health always succeeds.
func (Nop) Health(context.Context) error { return nil }

// HealthChecker is implemented by filters that can report reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Filter is a safety filter that can also be health checked.
type Filter interface {
	domain.SafetyFilter
	HealthChecker
}

// New returns an HTTPFilter when cfg.Enabled, otherwise Nop.
func New(cfg config.FirewallConfig, logger *slog.Logger) Filter {
	if !cfg.Enabled {
		return Nop{}
	}
	return NewHTTPFilter(cfg, nil, logger)
}

var _ Filter = Nop{}
