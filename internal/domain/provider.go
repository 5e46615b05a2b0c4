package domain

import "context"

// StopReason is the provider's signal for why a turn ended. The orchestrator
// only distinguishes StopEndTurn from everything else.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is per-turn token accounting. Cache counters are nil when the
// provider does not report them.
type Usage struct {
	InputTokens         int  `json:"input_tokens"`
	OutputTokens        int  `json:"output_tokens"`
	CacheCreationTokens *int `json:"cache_creation_input_tokens"`
	CacheReadTokens     *int `json:"cache_read_input_tokens"`
}

// GenerateRequest is sent to a model gateway.
type GenerateRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDescriptor `json:"tools"`
}

// GenerateResponse is a single model turn.
type GenerateResponse struct {
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      *Usage         `json:"usage"`
}

// ModelGateway is the interface for any generative model backend.
type ModelGateway interface {
	// Generate sends the conversation and available tools and returns the next turn.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	// Name returns the gateway's identifier (e.g., "anthropic", "mock").
	Name() string
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
