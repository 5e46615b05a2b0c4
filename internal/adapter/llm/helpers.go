package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/tracer"
)

// maxResponseBody caps how much of a model response body is read.
const maxResponseBody = 10 * 1024 * 1024

// doJSONRequest POSTs body as JSON and returns the response body. Non-200
// responses are mapped to domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrProviderError, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError maps a status code and body to a domain error so retry and
// breaker logic can classify it.
func mapHTTPError(statusCode int, body []byte) error {
	return mapStatus(statusCode, fmt.Sprintf("API error %d: %s", statusCode, string(body)))
}

func mapStatus(statusCode int, detail string) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return errors.New(detail)
	}
}

// sdkError maps an SDK error carrying an HTTP status. Errors without a
// status (transport failures) are treated as provider errors.
func sdkError(provider string, statusCode int, err error) error {
	if statusCode == 0 {
		return fmt.Errorf("%w: %s: %v", domain.ErrProviderError, provider, err)
	}
	return mapStatus(statusCode, fmt.Sprintf("%s: %v", provider, err))
}

func startGenerateSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", model),
		),
	)
}

func setUsageAttrs(span trace.Span, resp *domain.GenerateResponse) {
	span.SetAttributes(tracer.StringAttr("llm.stop_reason", string(resp.StopReason)))
	if resp.Usage == nil {
		return
	}
	span.SetAttributes(
		tracer.IntAttr("llm.input_tokens", resp.Usage.InputTokens),
		tracer.IntAttr("llm.output_tokens", resp.Usage.OutputTokens),
	)
}

func logGenerated(logger *slog.Logger, provider string, resp *domain.GenerateResponse) {
	attrs := []any{
		"provider", provider,
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"blocks", len(resp.Content),
	}
	if resp.Usage != nil {
		attrs = append(attrs, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	}
	logger.Debug("llm generate completed", attrs...)
}

// optionalCount returns nil for zero so unreported cache counters stay null.
func optionalCount(v int64) *int {
	if v == 0 {
		return nil
	}
	return domain.IntPtr(int(v))
}

// toolArgs decodes a stored tool_use input. Empty or malformed input
// becomes an empty object.
func toolArgs(raw json.RawMessage) map[string]any {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
