package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/tracer"
)

// Gateway retry constants.
const (
	maxGatewayAttempts = 3
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 10 * time.Second
)

const (
	defaultMaxToolRetries = 3

	// DefaultTerminalTool posts the diagnosis to the channel. A successful
	// call ends the run.
	DefaultTerminalTool = "slack_post_message"
)

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Gateway        domain.ModelGateway
	Tools          domain.ToolRegistry
	Firewall       domain.SafetyFilter // optional, nil = allow everything
	Logger         *slog.Logger
	MaxToolRetries int
	TerminalTools  []string           // nil = DefaultTerminalTool
	Classifier     *ErrorClassifier   // optional, nil = default classifier
	Audit          domain.AuditLogger // optional, nil = no audit
}

// Orchestrator drives the model/tool conversation of a single run. It holds
// no per-run state and may be shared by concurrent runs.
type Orchestrator struct {
	deps     OrchestratorDeps
	terminal map[string]bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxToolRetries <= 0 {
		deps.MaxToolRetries = defaultMaxToolRetries
	}
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	terminal := deps.TerminalTools
	if terminal == nil {
		terminal = []string{DefaultTerminalTool}
	}
	set := make(map[string]bool, len(terminal))
	for _, name := range terminal {
		set[name] = true
	}
	return &Orchestrator{deps: deps, terminal: set, sleep: sleepCtx}
}

// runState is owned by one call to Run.
type runState struct {
	conv    *domain.Conversation
	tools   []domain.ToolDescriptor
	output  []string
	pending []domain.ContentBlock
	usage   domain.TokenUsage
	stop    domain.StopReason
	retries int
	blocked bool

	turns        int
	toolCalls    int
	toolFailures int
}

// Run executes the loop for prompt. The returned RunResult is never nil and
// carries the partial output and usage when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*domain.RunResult, error) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run",
		trace.WithAttributes(tracer.StringAttr("llm.gateway", o.deps.Gateway.Name())),
	)

	st := &runState{conv: domain.NewConversation(prompt)}
	err := o.loop(ctx, st, prompt)
	if err != nil && ctx.Err() != nil {
		err = contextError(ctx, err)
	}

	result := &domain.RunResult{
		ResponseText:  strings.Join(st.output, "\n"),
		TokenUsage:    st.usage,
		TotalDuration: time.Since(start),
		Outcome:       domain.OutcomeOf(err),
		Turns:         st.turns,
		ToolCalls:     st.toolCalls,
		ToolFailures:  st.toolFailures,
	}
	if err == nil && st.blocked {
		result.Outcome = domain.OutcomeBlocked
	}

	span.SetAttributes(
		tracer.StringAttr("run.outcome", string(result.Outcome)),
		tracer.IntAttr("run.turns", result.Turns),
		tracer.IntAttr("run.tool_calls", result.ToolCalls),
		tracer.IntAttr("run.tool_failures", result.ToolFailures),
		tracer.IntAttr("run.total_tokens", result.TokenUsage.Total),
	)
	tracer.End(span, err)
	return result, err
}

func (o *Orchestrator) loop(ctx context.Context, st *runState, prompt string) error {
	if done, err := o.screen(ctx, st, prompt, false); err != nil || done {
		return err
	}
	st.tools = o.deps.Tools.Tools()

	for st.stop != domain.StopEndTurn && st.retries < o.deps.MaxToolRetries {
		resp, err := o.generate(ctx, st)
		if err != nil {
			return err
		}
		st.turns++
		st.usage.Add(resp.Usage)
		st.stop = resp.StopReason

		for _, block := range resp.Content {
			switch block.Type {
			case domain.BlockText:
				if block.Text == "" {
					continue
				}
				st.output = append(st.output, block.Text)
				st.pending = append(st.pending, block)
			case domain.BlockToolUse:
				done, err := o.handleToolUse(ctx, st, block)
				if err != nil || done {
					return err
				}
			}
		}
		o.flushPending(st)
	}

	if st.stop != domain.StopEndTurn {
		return fmt.Errorf("%w: %d consecutive tool failures", domain.ErrRetryExhausted, st.retries)
	}
	return nil
}

// generate calls the gateway, retrying transient errors with backoff.
func (o *Orchestrator) generate(ctx context.Context, st *runState) (*domain.GenerateResponse, error) {
	req := domain.GenerateRequest{Messages: st.conv.Messages(), Tools: st.tools}

	var lastErr error
	for attempt := 0; attempt < maxGatewayAttempts; attempt++ {
		resp, err := o.deps.Gateway.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		classified := o.deps.Classifier.Classify(err)
		if !classified.Retryable() || attempt == maxGatewayAttempts-1 {
			break
		}
		delay := retryBackoff(attempt)
		o.deps.Logger.Info("retrying model call after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		if err := o.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("model gateway %s: %w", o.deps.Gateway.Name(), lastErr)
}

// handleToolUse screens, dispatches and records one tool call. done reports
// that the run has reached its terminal state.
func (o *Orchestrator) handleToolUse(ctx context.Context, st *runState, block domain.ContentBlock) (done bool, err error) {
	args := string(block.Input)
	st.output = append(st.output, fmt.Sprintf("[Calling tool %s with args %s]", block.Name, args))

	if done, err := o.screen(ctx, st, block.Name+" "+args, true); err != nil || done {
		return done, err
	}

	o.deps.Logger.Info("calling tool", "tool", block.Name)
	st.toolCalls++
	start := time.Now()
	res, callErr := o.deps.Tools.Call(ctx, block.Name, block.Input)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(callErr, domain.ErrToolNotFound) {
		o.deps.Logger.Error("model requested an unavailable tool", "tool", block.Name)
		return false, callErr
	}

	var content string
	isError := callErr != nil
	if isError {
		st.retries++
		st.toolFailures++
		content = fmt.Sprintf("Tool '%s' failed with error: %s. Tool args were: %s. Check the arguments and try again fixing the error.",
			block.Name, failureDetail(callErr), args)
		o.deps.Logger.Info("tool call failed",
			"tool", block.Name, "duration", elapsed, "retries", st.retries, "error", callErr)
	} else {
		content = res.Content
		if done, err := o.screen(ctx, st, content, true); err != nil || done {
			o.auditTool(ctx, block.Name, elapsed, nil)
			return done, err
		}
		st.retries = 0
		o.deps.Logger.Info("tool call succeeded", "tool", block.Name, "duration", elapsed)
	}
	o.auditTool(ctx, block.Name, elapsed, callErr)

	o.appendAssistant(st, block)
	st.conv.Append(domain.RoleUser, domain.NewToolResultBlock(block.ID, block.Name, content, isError))

	if !isError && o.terminal[block.Name] {
		o.deps.Logger.Info("terminal tool succeeded, ending run", "tool", block.Name)
		st.stop = domain.StopEndTurn
		return true, nil
	}
	return false, nil
}

// screen runs the safety filter. A block appends the reason as the final
// assistant message and ends the run. Scan failures abort the run.
func (o *Orchestrator) screen(ctx context.Context, st *runState, text string, isTool bool) (bool, error) {
	if o.deps.Firewall == nil {
		return false, nil
	}
	v, err := o.deps.Firewall.Scan(ctx, text, isTool)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !errors.Is(err, domain.ErrFirewall) {
			err = fmt.Errorf("%w: %v", domain.ErrFirewall, err)
		}
		return false, err
	}
	if !v.Blocked {
		return false, nil
	}

	o.deps.Logger.Warn("safety filter blocked content", "is_tool", isTool, "reason", v.Reason)
	if o.deps.Audit != nil {
		_ = o.deps.Audit.Log(ctx, domain.AuditEvent{
			Type:    domain.AuditSafetyBlock,
			Outcome: string(domain.OutcomeBlocked),
			Detail: map[string]string{
				"is_tool": strconv.FormatBool(isTool),
				"reason":  v.Reason,
			},
		})
	}
	st.output = append(st.output, v.Reason)
	o.appendAssistant(st, domain.NewTextBlock(v.Reason))
	st.stop = domain.StopEndTurn
	st.blocked = true
	return true, nil
}

// appendAssistant appends an assistant message led by any pending text.
func (o *Orchestrator) appendAssistant(st *runState, blocks ...domain.ContentBlock) {
	content := append(st.pending, blocks...)
	st.pending = nil
	st.conv.Append(domain.RoleAssistant, content...)
}

func (o *Orchestrator) flushPending(st *runState) {
	if len(st.pending) > 0 {
		o.appendAssistant(st)
	}
}

func (o *Orchestrator) auditTool(ctx context.Context, name string, elapsed time.Duration, err error) {
	if o.deps.Audit == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	_ = o.deps.Audit.Log(ctx, domain.AuditEvent{
		Type:     domain.AuditToolExec,
		Resource: name,
		Outcome:  outcome,
		Detail:   map[string]string{"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10)},
	})
}

// failureDetail drops the sentinel prefix so the model sees the backend's message.
func failureDetail(err error) string {
	return strings.TrimPrefix(err.Error(), domain.ErrToolFailure.Error()+": ")
}

// contextError maps a cancelled run to its terminal error.
func contextError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, domain.ErrRunTimeout) {
			return err
		}
		return fmt.Errorf("%w (%w)", domain.ErrRunTimeout, context.DeadlineExceeded)
	}
	return ctx.Err()
}

// retryBackoff computes exponential backoff with up to 25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
