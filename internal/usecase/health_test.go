package usecase

import (
	"context"
	"errors"
	"testing"

	"sre-agent/internal/domain"
)

type fakeFirewallHealth struct{ err error }

func (f fakeFirewallHealth) Health(context.Context) error { return f.err }

func staticProbe(statuses ...domain.BackendStatus) BackendProber {
	return func(context.Context) []domain.BackendStatus {
		return append([]domain.BackendStatus(nil), statuses...)
	}
}

func TestHealthCheck(t *testing.T) {
	slack := domain.BackendStatus{Name: "slack", Healthy: true, Tools: 3}
	github := domain.BackendStatus{Name: "github", Healthy: true, Tools: 12}
	k8sDown := domain.BackendStatus{Name: "kubernetes", Error: "connection refused"}

	tests := []struct {
		name        string
		probe       BackendProber
		firewall    FirewallHealth
		wantStatus  string
		wantChecked int
		wantHealthy int
		wantErrors  int
	}{
		{"all healthy", staticProbe(slack, github), nil, HealthOK, 2, 0, 0},
		{"all healthy with firewall", staticProbe(slack, github), fakeFirewallHealth{}, HealthOK, 3, 0, 0},
		{"one backend down", staticProbe(slack, github, k8sDown), nil, HealthPartial, 0, 2, 1},
		{"firewall down", staticProbe(slack), fakeFirewallHealth{err: errors.New("unhealthy")}, HealthPartial, 0, 1, 1},
		{"everything down", staticProbe(k8sDown), nil, HealthUnavailable, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewHealthService(tt.probe, tt.firewall, discardLogger()).Check(context.Background())
			if report.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", report.Status, tt.wantStatus)
			}
			if report.Healthy() != (tt.wantStatus == HealthOK) {
				t.Errorf("Healthy() = %v", report.Healthy())
			}
			if len(report.CheckedServers) != tt.wantChecked {
				t.Errorf("CheckedServers = %v", report.CheckedServers)
			}
			if len(report.HealthyConnections) != tt.wantHealthy {
				t.Errorf("HealthyConnections = %v", report.HealthyConnections)
			}
			if len(report.Errors) != tt.wantErrors {
				t.Errorf("Errors = %v", report.Errors)
			}
		})
	}
}

func TestHealthCheckErrorText(t *testing.T) {
	report := NewHealthService(staticProbe(
		domain.BackendStatus{Name: "slack", Healthy: true},
		domain.BackendStatus{Name: "github", Error: "401 Unauthorized"},
	), nil, nil).Check(context.Background())

	want := "Health check connection failed for github: 401 Unauthorized"
	if len(report.Errors) != 1 || report.Errors[0] != want {
		t.Errorf("Errors = %v, want [%q]", report.Errors, want)
	}
	if report.Detail != "One or more MCP server connections failed health checks." {
		t.Errorf("Detail = %q", report.Detail)
	}
}
