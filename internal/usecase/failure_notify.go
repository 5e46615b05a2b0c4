package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sre-agent/internal/domain"
)

// FailureReporter posts a short report to the channel when a run does not
// complete.
type FailureReporter struct {
	notifier domain.Notifier
	channel  string
	logger   *slog.Logger
}

// NewFailureReporter creates a reporter posting to channel.
func NewFailureReporter(notifier domain.Notifier, channel string, logger *slog.Logger) *FailureReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureReporter{notifier: notifier, channel: channel, logger: logger}
}

// Subscribe attaches the reporter to finished-run events.
func (r *FailureReporter) Subscribe(bus domain.EventBus) func() {
	return bus.Subscribe(domain.EventRunFinished, r.Handle)
}

// Handle reports e when its run failed or was blocked.
func (r *FailureReporter) Handle(ctx context.Context, e domain.Event) {
	text, ok := failureText(e)
	if !ok {
		return
	}
	if err := r.notifier.Notify(ctx, r.channel, text); err != nil {
		r.logger.Warn("failure notification not delivered", "run_id", e.RunID, "error", err)
	}
}

func failureText(e domain.Event) (string, bool) {
	if e.Result == nil {
		return "", false
	}
	svc := e.Service
	switch e.Result.Outcome {
	case domain.OutcomeCompleted:
		return "", false
	case domain.OutcomeBlocked:
		return fmt.Sprintf("Diagnosis for `%s` was stopped by the safety filter: %s", svc, e.Result.ResponseText), true
	case domain.OutcomeConnectionFailed:
		return fmt.Sprintf("Diagnosis for `%s` could not start: one or more MCP servers are unreachable.", svc), true
	case domain.OutcomeTimeout:
		return fmt.Sprintf("Diagnosis for `%s` exceeded the maximum run time after %s.", svc, e.Result.TotalDuration.Round(time.Second)), true
	case domain.OutcomeRetryExhausted:
		return fmt.Sprintf("Diagnosis for `%s` stopped after repeated tool failures.", svc), true
	}
	if e.Err != nil {
		return fmt.Sprintf("Diagnosis for `%s` failed (run %s): %v", svc, e.RunID, e.Err), true
	}
	return fmt.Sprintf("Diagnosis for `%s` failed (run %s).", svc, e.RunID), true
}
