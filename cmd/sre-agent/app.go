package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"sre-agent/internal/adapter/firewall"
	"sre-agent/internal/adapter/gateway"
	"sre-agent/internal/adapter/llm"
	"sre-agent/internal/adapter/notify"
	"sre-agent/internal/adapter/tool"
	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/security"
	"sre-agent/internal/usecase"
	"sre-agent/internal/usecase/eventbus"
)

// app holds the wired components shared by serve and diagnose.
type app struct {
	cfg *config.Config
	log *slog.Logger

	model     domain.ModelGateway
	filter    firewall.Filter
	audit     domain.AuditLogger
	bus       *eventbus.Bus
	metrics   *usecase.RunMetrics
	diagnosis *usecase.DiagnosisService
	health    *usecase.HealthService
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	model, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	audit, err := initAudit(cfg.Audit, log)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		model:   model,
		filter:  firewall.New(cfg.Firewall, log),
		audit:   audit,
		bus:     eventbus.New(log),
		metrics: usecase.NewRunMetrics(),
	}

	if cfg.Notify.OnFailure == config.NotifySlack {
		reporter := usecase.NewFailureReporter(notify.New(cfg.Notify, log), cfg.Agent.ChannelID, log)
		reporter.Subscribe(a.bus)
	}

	// The orchestrator treats a nil filter as allow-all and skips scanning.
	var scan domain.SafetyFilter
	var fwHealth usecase.FirewallHealth
	if cfg.Firewall.Enabled {
		scan, fwHealth = a.filter, a.filter
	}

	a.diagnosis = usecase.NewDiagnosisService(usecase.DiagnosisConfig{
		Services:          cfg.Agent.Services,
		ChannelID:         cfg.Agent.ChannelID,
		PromptServer:      cfg.Agent.Prompt.Server,
		PromptName:        cfg.Agent.Prompt.Name,
		QueryTimeout:      cfg.Agent.QueryTimeout,
		MaxToolRetries:    cfg.Agent.MaxToolRetries,
		TerminalTools:     cfg.Agent.TerminalTools,
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
	}, usecase.DiagnosisDeps{
		Gateway:  model,
		Firewall: scan,
		Connect:  a.connect,
		Audit:    audit,
		Events:   a.bus,
		Metrics:  a.metrics,
		Logger:   log,
	})

	a.health = usecase.NewHealthService(func(ctx context.Context) []domain.BackendStatus {
		return tool.ProbeBackends(ctx, cfg.MCPServers, log)
	}, fwHealth, log)

	log.Info("sre-agent initialised",
		"llm", model.Name(),
		"backends", len(cfg.MCPServers),
		"services", strings.Join(cfg.Agent.Services, ","),
		"firewall", cfg.Firewall.Enabled,
		"notify", cfg.Notify.OnFailure,
	)
	return a, nil
}

// connect opens a fresh session set for one run.
func (a *app) connect(ctx context.Context) (usecase.RunSessions, error) {
	set, err := tool.Connect(ctx, a.cfg.MCPServers, a.cfg.Agent.Tools, a.log,
		tool.WithArgValidation(a.cfg.Agent.ValidateArgs))
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Server builds the HTTP trigger.
func (a *app) Server(ctx context.Context) *gateway.Server {
	return gateway.NewServer(ctx, a.cfg.Server, gateway.HandlerDeps{
		Diagnoser:      a.diagnosis,
		Health:         a.health,
		Auth:           gateway.NewRequestAuth(a.cfg.Auth.BearerToken, a.cfg.Auth.SlackSigningSecret),
		Metrics:        a.metrics,
		Audit:          a.audit,
		DefaultService: a.cfg.Agent.DefaultService,
		Logger:         a.log,
	})
}

// Close drains event handlers and closes the audit log.
func (a *app) Close() {
	a.bus.Close()
	if err := a.audit.Close(); err != nil {
		a.log.Warn("audit close", "error", err)
	}
}

func initAudit(cfg config.AuditConfig, log *slog.Logger) (domain.AuditLogger, error) {
	if !cfg.Enabled {
		return security.NopAuditLogger{}, nil
	}
	audit, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAge > 0 {
		removed, err := audit.EnforceRetention(cfg.MaxAge)
		if err != nil {
			log.Warn("audit retention failed", "error", err)
		} else if removed > 0 {
			log.Info("audit retention applied", "removed", removed, "max_age", cfg.MaxAge)
		}
	}
	log.Info("audit logging enabled", "path", cfg.Path)
	return audit, nil
}

func printResult(w io.Writer, res *domain.RunResult) {
	fmt.Fprintf(w, "Run %s (%s): %s in %s\n", res.RunID, res.Service, res.Outcome, res.TotalDuration.Round(time.Millisecond))
	if res.ResponseText != "" {
		fmt.Fprintf(w, "\n%s\n\n", res.ResponseText)
	}
	u := res.TokenUsage
	fmt.Fprintf(w, "Tokens: input=%d output=%d cache_creation=%d cache_read=%d total=%d\n",
		u.Input, u.Output, u.CacheCreated, u.CacheRead, u.Total)
	fmt.Fprintf(w, "Turns: %d  Tool calls: %d  Tool failures: %d\n", res.Turns, res.ToolCalls, res.ToolFailures)
}
