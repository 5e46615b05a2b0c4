package domain

import (
	"context"
	"encoding/json"
)

// ToolDescriptor describes a backend tool as offered to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolResult is the outcome of invoking a tool.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolRegistry resolves and invokes tools across connected backends.
//
// Call returns an error wrapping ErrToolNotFound when no backend exposes
// the name, and one wrapping ErrToolFailure when the backend reports a
// failure executing a known tool.
type ToolRegistry interface {
	Tools() []ToolDescriptor
	Call(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// PromptSource fetches a rendered prompt from a prompt backend.
type PromptSource interface {
	Prompt(ctx context.Context, backend, name string, args map[string]string) (string, error)
}

// BackendStatus reports reachability of a single backend.
type BackendStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Tools   int    `json:"tools,omitempty"`
	Error   string `json:"error,omitempty"`
}
