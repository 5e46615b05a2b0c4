package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"slices"

	"sre-agent/internal/domain"
	"sre-agent/internal/usecase"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(metrics *usecase.RunMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counter(w, "sreagent_runs_started_total", "Diagnosis runs started.", metrics.RunsStarted.Load())
		gauge(w, "sreagent_runs_active", "Diagnosis runs in flight.", metrics.RunsActive.Load())
		counter(w, "sreagent_runs_rejected_total", "Diagnose requests for unsupported services.", metrics.RunsRejected.Load())

		finished := metrics.Finished()
		outcomes := make([]domain.Outcome, 0, len(finished))
		for o := range finished {
			outcomes = append(outcomes, o)
		}
		slices.Sort(outcomes)
		fmt.Fprintf(w, "# HELP sreagent_runs_finished_total Diagnosis runs finished, by outcome.\n")
		fmt.Fprintf(w, "# TYPE sreagent_runs_finished_total counter\n")
		for _, o := range outcomes {
			fmt.Fprintf(w, "sreagent_runs_finished_total{outcome=%q} %d\n", string(o), finished[o])
		}

		counter(w, "sreagent_tool_calls_total", "Tool invocations.", metrics.ToolCalls.Load())
		counter(w, "sreagent_tool_failures_total", "Tool invocations that failed.", metrics.ToolFailures.Load())
		counter(w, "sreagent_gateway_calls_total", "Model gateway turns.", metrics.GatewayTurns.Load())

		fmt.Fprintf(w, "# HELP sreagent_tokens_total Model tokens consumed, by kind.\n")
		fmt.Fprintf(w, "# TYPE sreagent_tokens_total counter\n")
		fmt.Fprintf(w, "sreagent_tokens_total{kind=\"input\"} %d\n", metrics.InputTokens.Load())
		fmt.Fprintf(w, "sreagent_tokens_total{kind=\"output\"} %d\n", metrics.OutputTokens.Load())
		fmt.Fprintf(w, "sreagent_tokens_total{kind=\"cache_read\"} %d\n", metrics.CacheRead.Load())
		fmt.Fprintf(w, "sreagent_tokens_total{kind=\"cache_creation\"} %d\n", metrics.CacheCreated.Load())

		fmt.Fprintf(w, "# HELP sreagent_uptime_seconds Seconds since the agent started.\n")
		fmt.Fprintf(w, "# TYPE sreagent_uptime_seconds gauge\n")
		fmt.Fprintf(w, "sreagent_uptime_seconds %.0f\n", metrics.Uptime().Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
		gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", int64(mem.Sys))
	}
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}
