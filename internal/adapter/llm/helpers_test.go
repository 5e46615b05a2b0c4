package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sre-agent/internal/domain"
)

// mockGateway is a scripted domain.ModelGateway.
type mockGateway struct {
	name         string
	generateFunc func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error)
}

func (m *mockGateway) Name() string { return m.name }

func (m *mockGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &domain.GenerateResponse{StopReason: domain.StopEndTurn}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTools() []domain.ToolDescriptor {
	return []domain.ToolDescriptor{
		{
			Name:        "list_pods",
			Description: "List pods in a namespace",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"namespace":{"type":"string"}}}`),
		},
		{
			Name:        "get_logs",
			Description: "Fetch pod logs",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"pod":{"type":"string"}},"required":["pod"]}`),
		},
	}
}

// toolRoundTrip is a conversation with one completed tool call.
func toolRoundTrip() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.NewTextBlock("diagnose cartservice")}},
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
			domain.NewTextBlock("Checking pods."),
			domain.NewToolUseBlock("tu_1", "list_pods", json.RawMessage(`{"namespace":"default"}`)),
		}},
		{Role: domain.RoleUser, Content: []domain.ContentBlock{
			domain.NewToolResultBlock("tu_1", "list_pods", "cartservice-0 CrashLoopBackOff", false),
		}},
	}
}

// capture records the last request body seen by a test server.
type capture struct {
	path string
	body map[string]any
}

func jsonServer(t *testing.T, status int, response string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c != nil {
			c.path = r.URL.Path
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &c.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusBadGateway, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError(tt.status, []byte("boom"))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "boom")
		})
	}

	err := mapHTTPError(http.StatusBadRequest, []byte("bad"))
	require.Error(t, err)
	assert.False(t, domain.IsRetryableError(err))
}

func TestSDKErrorWithoutStatus(t *testing.T) {
	err := sdkError("openai", 0, errors.New("connection reset"))
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestDoJSONRequest(t *testing.T) {
	var c capture
	srv := jsonServer(t, http.StatusOK, `{"ok":true}`, &c)

	body, err := doJSONRequest(context.Background(), srv.Client(), srv.URL+"/x", []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "/x", c.path)
	assert.Equal(t, float64(1), c.body["a"])
}

func TestDoJSONRequest_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := doJSONRequest(context.Background(), http.DefaultClient, url, []byte(`{}`), nil)
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestOptionalCount(t *testing.T) {
	assert.Nil(t, optionalCount(0))
	require.NotNil(t, optionalCount(7))
	assert.Equal(t, 7, *optionalCount(7))
}

func TestToolArgs(t *testing.T) {
	assert.Equal(t, map[string]any{"pod": "x"}, toolArgs(json.RawMessage(`{"pod":"x"}`)))
	assert.Equal(t, map[string]any{}, toolArgs(nil))
	assert.Equal(t, map[string]any{}, toolArgs(json.RawMessage(`null`)))
	assert.Equal(t, map[string]any{}, toolArgs(json.RawMessage(`{"pod":`)))
}
