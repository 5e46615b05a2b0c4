package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"sre-agent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// turn is one scripted gateway reply.
type turn struct {
	resp *domain.GenerateResponse
	err  error
}

// scriptedGateway replays turns in order and records every request.
type scriptedGateway struct {
	mu       sync.Mutex
	turns    []turn
	requests []domain.GenerateRequest
	// block makes Generate wait for context cancellation.
	block bool
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	g.mu.Unlock()

	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n > len(g.turns) {
		return nil, fmt.Errorf("unexpected gateway call %d", n)
	}
	t := g.turns[n-1]
	return t.resp, t.err
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func toolUse(id, name, args string) domain.ContentBlock {
	return domain.NewToolUseBlock(id, name, json.RawMessage(args))
}

func reply(stop domain.StopReason, usage *domain.Usage, blocks ...domain.ContentBlock) turn {
	return turn{resp: &domain.GenerateResponse{Content: blocks, StopReason: stop, Usage: usage}}
}

// fakeRegistry serves a fixed tool set; callFunc decides each result.
type fakeRegistry struct {
	mu       sync.Mutex
	tools    []domain.ToolDescriptor
	calls    []string
	callFunc func(name string, attempt int) (*domain.ToolResult, error)
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{}
	for _, n := range names {
		r.tools = append(r.tools, domain.ToolDescriptor{Name: n, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return r
}

func (r *fakeRegistry) Tools() []domain.ToolDescriptor { return r.tools }

func (r *fakeRegistry) Call(ctx context.Context, name string, _ json.RawMessage) (*domain.ToolResult, error) {
	r.mu.Lock()
	known := false
	for _, t := range r.tools {
		if t.Name == name {
			known = true
		}
	}
	if !known {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	r.calls = append(r.calls, name)
	attempt := 0
	for _, c := range r.calls {
		if c == name {
			attempt++
		}
	}
	fn := r.callFunc
	r.mu.Unlock()

	if fn == nil {
		return &domain.ToolResult{Content: name + " ok"}, nil
	}
	return fn(name, attempt)
}

func (r *fakeRegistry) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeFirewall blocks any text for which blockFunc returns a reason.
type fakeFirewall struct {
	mu        sync.Mutex
	scans     []string
	blockFunc func(text string, isTool bool) string
	err       error
}

func (f *fakeFirewall) Scan(_ context.Context, text string, isTool bool) (*domain.Verdict, error) {
	f.mu.Lock()
	f.scans = append(f.scans, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.blockFunc != nil {
		if reason := f.blockFunc(text, isTool); reason != "" {
			return &domain.Verdict{Blocked: true, Reason: reason, Score: 0.99}, nil
		}
	}
	return &domain.Verdict{}, nil
}

// recordingAudit collects audit events.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (a *recordingAudit) Log(_ context.Context, e domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return a.err
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) types() []domain.AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEventType, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

var errBackend = errors.New("backend exploded")
