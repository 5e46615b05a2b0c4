package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/tracer"
)

const defaultQueryTimeout = 300 * time.Second

// RunSessions is the tool and prompt surface of one run. It is opened fresh
// for each run and closed when the run ends.
type RunSessions interface {
	domain.ToolRegistry
	domain.PromptSource
	Close() error
}

// SessionConnector opens the backend sessions for a run.
type SessionConnector func(ctx context.Context) (RunSessions, error)

// DiagnosisConfig holds per-deployment run settings.
type DiagnosisConfig struct {
	Services          []string
	ChannelID         string
	PromptServer      string
	PromptName        string
	QueryTimeout      time.Duration
	MaxToolRetries    int
	TerminalTools     []string
	MaxConcurrentRuns int
}

// DiagnosisDeps holds injected dependencies for the diagnosis service.
type DiagnosisDeps struct {
	Gateway  domain.ModelGateway
	Firewall domain.SafetyFilter // optional
	Connect  SessionConnector
	Audit    domain.AuditLogger // optional
	Events   domain.EventBus    // optional
	Metrics  *RunMetrics        // optional
	Logger   *slog.Logger
}

// DiagnosisService runs one diagnosis per request, either in the foreground
// or as a tracked background task.
type DiagnosisService struct {
	cfg  DiagnosisConfig
	deps DiagnosisDeps

	sem  chan struct{}
	wg   sync.WaitGroup
	base context.Context
	stop context.CancelFunc
}

// NewDiagnosisService creates the service. Background runs share a base
// context that Shutdown cancels once its drain deadline passes.
func NewDiagnosisService(cfg DiagnosisConfig, deps DiagnosisDeps) *DiagnosisService {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewRunMetrics()
	}
	base, stop := context.WithCancel(context.Background())
	return &DiagnosisService{
		cfg:  cfg,
		deps: deps,
		sem:  make(chan struct{}, cfg.MaxConcurrentRuns),
		base: base,
		stop: stop,
	}
}

// Metrics returns the run counters.
func (s *DiagnosisService) Metrics() *RunMetrics { return s.deps.Metrics }

// Services returns the supported service names.
func (s *DiagnosisService) Services() []string { return slices.Clone(s.cfg.Services) }

// ValidateService rejects services outside the allow-list.
func (s *DiagnosisService) ValidateService(service string) error {
	if slices.Contains(s.cfg.Services, service) {
		return nil
	}
	s.deps.Metrics.RunsRejected.Add(1)
	return &domain.DomainError{
		Op:  "DiagnosisService.ValidateService",
		Err: domain.ErrUnsupportedService,
		Detail: fmt.Sprintf("Service `%s` is not supported. Supported services are: %s.",
			service, strings.Join(s.cfg.Services, ", ")),
	}
}

// UnsupportedMessage extracts the user-facing text of a validation error.
func UnsupportedMessage(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

// Start validates service and runs the diagnosis in the background. It
// returns the run id; the run waits for a free slot when the concurrency
// limit is reached.
func (s *DiagnosisService) Start(service string) (string, error) {
	if err := s.ValidateService(service); err != nil {
		return "", err
	}
	runID := ulid.Make().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.base.Done():
			return
		}
		defer func() { <-s.sem }()

		ctx := domain.ContextWithRunID(s.base, runID)
		// Errors are logged, audited and published by run.
		_, _ = s.run(ctx, runID, service)
	}()
	return runID, nil
}

// Diagnose runs one diagnosis in the foreground.
func (s *DiagnosisService) Diagnose(ctx context.Context, service string) (*domain.RunResult, error) {
	if err := s.ValidateService(service); err != nil {
		return nil, err
	}
	runID := ulid.Make().String()
	return s.run(domain.ContextWithRunID(ctx, runID), runID, service)
}

func (s *DiagnosisService) run(ctx context.Context, runID, service string) (*domain.RunResult, error) {
	logger := s.deps.Logger.With("run_id", runID, "service", service)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "diagnosis.run",
		trace.WithAttributes(
			tracer.StringAttr("run.id", runID),
			tracer.StringAttr("run.service", service),
		),
	)

	logger.Info("diagnosis started")
	s.deps.Metrics.RunStarted()
	s.audit(ctx, domain.AuditEvent{
		Type:     domain.AuditRunStarted,
		Resource: service,
	})
	s.publish(ctx, domain.Event{Type: domain.EventRunStarted, RunID: runID, Service: service})

	res, err := s.execute(ctx, logger, service)
	if err != nil && ctx.Err() != nil {
		err = contextError(ctx, err)
	}
	if res == nil {
		res = &domain.RunResult{}
	}
	res.RunID, res.Service = runID, service
	if err != nil {
		res.Outcome = domain.OutcomeOf(err)
	}

	s.finish(ctx, logger, res, err)
	span.SetAttributes(tracer.StringAttr("run.outcome", string(res.Outcome)))
	tracer.End(span, err)
	return res, err
}

func (s *DiagnosisService) execute(ctx context.Context, logger *slog.Logger, service string) (*domain.RunResult, error) {
	start := time.Now()
	sessions, err := s.deps.Connect(ctx)
	if err != nil {
		logger.Error("failed to establish backend sessions", "error", err)
		return &domain.RunResult{TotalDuration: time.Since(start)}, err
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("closing backend sessions", "error", err)
		}
	}()
	logger.Info("backend sessions established", "elapsed", time.Since(start))

	prompt, err := sessions.Prompt(ctx, s.cfg.PromptServer, s.cfg.PromptName, map[string]string{
		"service":    service,
		"channel_id": s.cfg.ChannelID,
	})
	if err != nil {
		return &domain.RunResult{TotalDuration: time.Since(start)}, fmt.Errorf("fetch prompt %q: %w", s.cfg.PromptName, err)
	}

	orch := NewOrchestrator(OrchestratorDeps{
		Gateway:        s.deps.Gateway,
		Tools:          sessions,
		Firewall:       s.deps.Firewall,
		Logger:         logger,
		MaxToolRetries: s.cfg.MaxToolRetries,
		TerminalTools:  s.cfg.TerminalTools,
		Audit:          s.deps.Audit,
	})
	res, err := orch.Run(ctx, prompt)
	res.TotalDuration = time.Since(start)
	return res, err
}

func (s *DiagnosisService) finish(ctx context.Context, logger *slog.Logger, res *domain.RunResult, err error) {
	u := res.TokenUsage
	logger.Info("token usage",
		"input", u.Input,
		"output", u.Output,
		"cache_creation", u.CacheCreated,
		"cache_read", u.CacheRead,
		"total", u.Total,
	)

	event := domain.AuditEvent{
		Type:     domain.AuditRunCompleted,
		Resource: res.Service,
		Outcome:  string(res.Outcome),
		Detail: map[string]string{
			"turns":         strconv.Itoa(res.Turns),
			"tool_calls":    strconv.Itoa(res.ToolCalls),
			"tool_failures": strconv.Itoa(res.ToolFailures),
			"input_tokens":  strconv.Itoa(u.Input),
			"output_tokens": strconv.Itoa(u.Output),
			"duration_ms":   strconv.FormatInt(res.TotalDuration.Milliseconds(), 10),
		},
	}
	switch {
	case err != nil:
		event.Type = domain.AuditRunFailed
		event.Detail["error"] = err.Error()
		logger.Error("diagnosis failed", "outcome", res.Outcome, "elapsed", res.TotalDuration, "error", err)
	case res.Outcome == domain.OutcomeBlocked:
		logger.Info("diagnosis stopped by safety filter", "elapsed", res.TotalDuration, "response", res.ResponseText)
	default:
		logger.Info("diagnosis completed", "elapsed", res.TotalDuration, "response", res.ResponseText)
	}

	// The run context may already be past its deadline.
	ctx = context.WithoutCancel(ctx)
	s.audit(ctx, event)
	s.deps.Metrics.RunFinished(res)
	s.publish(ctx, domain.Event{
		Type:    domain.EventRunFinished,
		RunID:   res.RunID,
		Service: res.Service,
		Result:  res,
		Err:     err,
	})
}

func (s *DiagnosisService) audit(ctx context.Context, e domain.AuditEvent) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, e); err != nil {
		s.deps.Logger.Warn("audit write failed", "type", string(e.Type), "error", err)
	}
}

func (s *DiagnosisService) publish(ctx context.Context, e domain.Event) {
	if s.deps.Events == nil {
		return
	}
	e.Timestamp = time.Now()
	s.deps.Events.Publish(ctx, e)
}

// Wait blocks until every background run has finished.
func (s *DiagnosisService) Wait() { s.wg.Wait() }

// Shutdown waits for background runs to drain. When ctx expires first the
// remaining runs are cancelled and ctx's error is returned after they exit.
func (s *DiagnosisService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.deps.Logger.Warn("cancelling in-flight diagnosis runs")
		s.stop()
		<-done
		return ctx.Err()
	}
}
