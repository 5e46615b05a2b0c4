package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"sre-agent/internal/domain"
)

// RunMetrics tracks process-wide run counters for the metrics endpoint.
type RunMetrics struct {
	start time.Time

	RunsStarted  atomic.Int64
	RunsActive   atomic.Int64
	RunsRejected atomic.Int64
	ToolCalls    atomic.Int64
	ToolFailures atomic.Int64
	GatewayTurns atomic.Int64
	InputTokens  atomic.Int64
	OutputTokens atomic.Int64
	CacheRead    atomic.Int64
	CacheCreated atomic.Int64

	mu       sync.Mutex
	finished map[domain.Outcome]int64
}

// NewRunMetrics creates zeroed counters with the uptime clock started.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{start: time.Now(), finished: make(map[domain.Outcome]int64)}
}

// RunStarted counts a run entering execution.
func (m *RunMetrics) RunStarted() {
	m.RunsStarted.Add(1)
	m.RunsActive.Add(1)
}

// RunFinished folds a finished run into the counters.
func (m *RunMetrics) RunFinished(res *domain.RunResult) {
	m.RunsActive.Add(-1)
	if res == nil {
		return
	}
	m.ToolCalls.Add(int64(res.ToolCalls))
	m.ToolFailures.Add(int64(res.ToolFailures))
	m.GatewayTurns.Add(int64(res.Turns))
	m.InputTokens.Add(int64(res.TokenUsage.Input))
	m.OutputTokens.Add(int64(res.TokenUsage.Output))
	m.CacheRead.Add(int64(res.TokenUsage.CacheRead))
	m.CacheCreated.Add(int64(res.TokenUsage.CacheCreated))

	m.mu.Lock()
	m.finished[res.Outcome]++
	m.mu.Unlock()
}

// Finished returns a snapshot of finished runs by outcome.
func (m *RunMetrics) Finished() map[domain.Outcome]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Outcome]int64, len(m.finished))
	for k, v := range m.finished {
		out[k] = v
	}
	return out
}

// Uptime reports the time since the counters were created.
func (m *RunMetrics) Uptime() time.Duration { return time.Since(m.start) }
