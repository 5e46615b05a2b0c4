package domain

import (
	"context"
	"time"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeRetryExhausted   Outcome = "retry_exhausted"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeConnectionFailed Outcome = "connection_failed"
	OutcomeConfigError      Outcome = "config_error"
	OutcomeFailed           Outcome = "failed"
)

// TokenUsage is the cumulative token accounting of a run.
type TokenUsage struct {
	Input        int `json:"input_tokens"`
	Output       int `json:"output_tokens"`
	CacheCreated int `json:"cache_creation_tokens"`
	CacheRead    int `json:"cache_read_tokens"`
	Total        int `json:"total_tokens"`
}

// Add folds one turn's usage into the total. Nil usage and nil cache
// counters count as zero.
func (t *TokenUsage) Add(u *Usage) {
	if u == nil {
		return
	}
	t.Input += u.InputTokens
	t.Output += u.OutputTokens
	if u.CacheCreationTokens != nil {
		t.CacheCreated += *u.CacheCreationTokens
	}
	if u.CacheReadTokens != nil {
		t.CacheRead += *u.CacheReadTokens
	}
	t.Total = t.Input + t.Output
}

// RunResult is produced once per orchestration run.
type RunResult struct {
	RunID         string        `json:"run_id,omitempty"`
	Service       string        `json:"service,omitempty"`
	ResponseText  string        `json:"response"`
	TokenUsage    TokenUsage    `json:"token_usage"`
	TotalDuration time.Duration `json:"total_duration"`
	Outcome       Outcome       `json:"outcome"`
	Turns         int           `json:"turns"`
	ToolCalls     int           `json:"tool_calls"`
	ToolFailures  int           `json:"tool_failures"`
}

// Notifier delivers out-of-band messages (e.g., run failure reports) to a
// chat channel.
type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}
