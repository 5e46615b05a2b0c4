package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"sre-agent/internal/domain"
	"sre-agent/internal/usecase"
)

// maxBodyBytes bounds a slash command request body.
const maxBodyBytes = 1 << 20

// Diagnoser starts background diagnosis runs.
type Diagnoser interface {
	Start(service string) (runID string, err error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Check(ctx context.Context) *usecase.HealthReport
}

// HandlerDeps holds the dependencies of the HTTP handlers.
type HandlerDeps struct {
	Diagnoser      Diagnoser
	Health         HealthChecker
	Auth           Authenticator
	Metrics        *usecase.RunMetrics
	Audit          domain.AuditLogger // optional
	DefaultService string
	Logger         *slog.Logger
}

type diagnoseResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

type errorText struct {
	Text string `json:"text"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// diagnoseHandler handles POST /diagnose, the Slack slash command endpoint.
func diagnoseHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorDetail{Detail: "Request body too large."})
			return
		}

		actor, err := deps.Auth.Authenticate(r, body)
		if err != nil {
			deps.Logger.Warn("rejected diagnose request", "remote", r.RemoteAddr, "error", err)
			if deps.Audit != nil {
				_ = deps.Audit.Log(r.Context(), domain.AuditEvent{
					Type:     domain.AuditAccessDenied,
					Actor:    r.RemoteAddr,
					Resource: "/diagnose",
					Outcome:  "denied",
				})
			}
			writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: "Unauthorised."})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		cmd, err := slack.SlashCommandParse(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorText{Text: "Malformed slash command."})
			return
		}
		service := strings.TrimSpace(cmd.Text)
		if service == "" {
			service = deps.DefaultService
		}

		runID, err := deps.Diagnoser.Start(service)
		if err != nil {
			if errors.Is(err, domain.ErrUnsupportedService) {
				writeJSON(w, http.StatusBadRequest, errorText{Text: usecase.UnsupportedMessage(err)})
				return
			}
			deps.Logger.Error("failed to start diagnosis", "service", service, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorText{Text: "Failed to start diagnosis."})
			return
		}

		deps.Logger.Info("received diagnose request",
			"service", service, "run_id", runID, "actor", actor, "user", cmd.UserName)
		writeJSON(w, http.StatusOK, diagnoseResponse{
			ResponseType: "ephemeral",
			Text:         "🔍 Running diagnosis for `" + service + "`...",
		})
	}
}

// healthHandler handles GET /health by probing every backend.
func healthHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Health.Check(r.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// readyzHandler handles GET /readyz. It reports process liveness only.
func readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
