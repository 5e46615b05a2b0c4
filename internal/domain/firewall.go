package domain

import "context"

// Verdict is the outcome of a safety scan.
type Verdict struct {
	Blocked bool    `json:"blocked"`
	Reason  string  `json:"reason"`
	Score   float64 `json:"score"`
}

// SafetyFilter screens untrusted text. isTool marks tool calls and tool
// results as opposed to user-supplied prompts.
type SafetyFilter interface {
	Scan(ctx context.Context, text string, isTool bool) (*Verdict, error)
}
