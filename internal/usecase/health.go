package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"sre-agent/internal/domain"
)

// Health statuses.
const (
	HealthOK          = "OK"
	HealthPartial     = "Partially Available"
	HealthUnavailable = "Unavailable"
)

// firewallComponent is the name the safety filter reports under.
const firewallComponent = "firewall"

// HealthReport is the result of a health check.
type HealthReport struct {
	Status             string   `json:"status"`
	Detail             string   `json:"detail"`
	CheckedServers     []string `json:"checked_servers,omitempty"`
	HealthyConnections []string `json:"healthy_connections,omitempty"`
	Errors             []string `json:"errors,omitempty"`

	Backends []domain.BackendStatus `json:"-"`
}

// Healthy reports whether every component answered.
func (r *HealthReport) Healthy() bool { return r.Status == HealthOK }

// BackendProber probes the configured backends.
type BackendProber func(ctx context.Context) []domain.BackendStatus

// FirewallHealth checks the safety filter service.
type FirewallHealth interface {
	Health(ctx context.Context) error
}

// HealthService aggregates backend and safety filter probes.
type HealthService struct {
	probe    BackendProber
	firewall FirewallHealth // nil when the filter is disabled
	logger   *slog.Logger
}

// NewHealthService creates a health service. firewall may be nil.
func NewHealthService(probe BackendProber, firewall FirewallHealth, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{probe: probe, firewall: firewall, logger: logger}
}

// Check probes every component once.
func (h *HealthService) Check(ctx context.Context) *HealthReport {
	statuses := h.probe(ctx)
	if h.firewall != nil {
		st := domain.BackendStatus{Name: firewallComponent, Healthy: true}
		if err := h.firewall.Health(ctx); err != nil {
			st = domain.BackendStatus{Name: firewallComponent, Error: err.Error()}
		}
		statuses = append(statuses, st)
	}

	report := &HealthReport{Backends: statuses}
	var healthy []string
	for _, st := range statuses {
		if st.Healthy {
			healthy = append(healthy, st.Name)
			continue
		}
		report.Errors = append(report.Errors,
			fmt.Sprintf("Health check connection failed for %s: %s", st.Name, st.Error))
	}

	switch {
	case len(report.Errors) == 0:
		report.Status = HealthOK
		report.Detail = "All required MCP server connections are healthy."
		report.CheckedServers = healthy
	case len(healthy) == 0:
		report.Status = HealthUnavailable
		report.Detail = "No MCP server connections could be established."
	default:
		report.Status = HealthPartial
		report.Detail = "One or more MCP server connections failed health checks."
		report.HealthyConnections = healthy
	}
	if !report.Healthy() {
		h.logger.Warn("health check failed", "status", report.Status, "errors", len(report.Errors))
	}
	return report
}
