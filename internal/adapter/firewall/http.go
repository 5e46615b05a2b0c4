// Package firewall screens prompts, tool calls and tool results through an
// external prompt-injection scanner.
package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

const (
	defaultTimeout = 30 * time.Second
	maxBody        = 1 << 20
)

// HTTPFilter calls a scanner service exposing POST /check and GET /health.
type HTTPFilter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPFilter returns a filter for cfg.URL. A nil client uses one with
// cfg.Timeout.
func NewHTTPFilter(cfg config.FirewallConfig, client *http.Client, logger *slog.Logger) *HTTPFilter {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPFilter{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  client,
		logger:  logger,
	}
}

type checkRequest struct {
	Content string `json:"content"`
	IsTool  bool   `json:"is_tool"`
}

type checkResponse struct {
	Block  bool `json:"block"`
	Result struct {
		Decision string  `json:"decision"`
		Reason   string  `json:"reason"`
		Score    float64 `json:"score"`
	} `json:"result"`
}

// Scan implements domain.SafetyFilter. Any transport or decoding failure is
// returned wrapped in domain.ErrFirewall.
func (f *HTTPFilter) Scan(ctx context.Context, text string, isTool bool) (*domain.Verdict, error) {
	ctx, span := tracer.StartSpan(ctx, "firewall.scan",
		trace.WithAttributes(tracer.BoolAttr("firewall.is_tool", isTool)),
	)
	defer span.End()

	body, err := json.Marshal(checkRequest{Content: text, IsTool: isTool})
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("%w: marshal request: %v", domain.ErrFirewall, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/check", bytes.NewReader(body))
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("%w: create request: %v", domain.ErrFirewall, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("%w: %v", domain.ErrFirewall, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("%w: read response: %v", domain.ErrFirewall, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, f.fail(span, fmt.Errorf("%w: status %d: %s", domain.ErrFirewall, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var out checkResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, f.fail(span, fmt.Errorf("%w: decode response: %v", domain.ErrFirewall, err))
	}

	v := &domain.Verdict{Blocked: out.Block, Reason: out.Result.Reason, Score: out.Result.Score}
	span.SetAttributes(tracer.BoolAttr("firewall.blocked", v.Blocked))
	tracer.SetOK(span)
	if v.Blocked {
		f.logger.Warn("firewall blocked content",
			"is_tool", isTool,
			"decision", out.Result.Decision,
			"reason", v.Reason,
			"score", v.Score,
		)
	} else {
		f.logger.Debug("firewall allowed content", "is_tool", isTool, "score", v.Score)
	}
	return v, nil
}

func (f *HTTPFilter) fail(span trace.Span, err error) error {
	tracer.RecordError(span, err)
	return err
}

// Health checks GET /health for {"status":"healthy"}.
func (f *HTTPFilter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrFirewall, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFirewall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", domain.ErrFirewall, resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode health: %v", domain.ErrFirewall, err)
	}
	if out.Status != "healthy" {
		return fmt.Errorf("%w: reported status %q", domain.ErrFirewall, out.Status)
	}
	return nil
}

var _ domain.SafetyFilter = (*HTTPFilter)(nil)
