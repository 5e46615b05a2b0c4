package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of run lifecycle event.
type EventType string

const (
	EventRunStarted  EventType = "run.started"
	EventRunFinished EventType = "run.finished"
)

// Event is the envelope published on the event bus. Result and Err are set
// on EventRunFinished only.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	RunID     string     `json:"run_id"`
	Service   string     `json:"service"`
	Result    *RunResult `json:"result,omitempty"`
	Err       error      `json:"-"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for run events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for one event type and returns an
	// unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
