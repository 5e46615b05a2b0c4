package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditRunStarted   AuditEventType = "run_started"
	AuditRunCompleted AuditEventType = "run_completed"
	AuditRunFailed    AuditEventType = "run_failed"
	AuditToolExec     AuditEventType = "tool_exec"
	AuditSafetyBlock  AuditEventType = "safety_block"
	AuditAccessDenied AuditEventType = "access_denied"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	RunID     string            `json:"run_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
