package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

// remoteResponseSchema is the minimum shape accepted from a self-hosted
// model server.
const remoteResponseSchema = `{
  "type": "object",
  "required": ["content", "stop_reason"],
  "properties": {
    "content": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["text", "tool_use"]},
          "text": {"type": "string"},
          "id": {"type": "string"},
          "name": {"type": "string"},
          "input": {"type": "object"}
        }
      }
    },
    "stop_reason": {"type": "string"},
    "usage": {
      "type": ["object", "null"],
      "properties": {
        "input_tokens": {"type": "integer"},
        "output_tokens": {"type": "integer"}
      }
    }
  }
}`

// RemoteGateway calls a self-hosted model server that speaks an
// Anthropic-shaped message format over plain HTTP.
type RemoteGateway struct {
	url    string
	apiKey string
	model  string
	client *http.Client
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewRemoteGateway builds a gateway posting to <base_url>/generate.
func NewRemoteGateway(cfg config.LLMConfig, client *http.Client, logger *slog.Logger) (*RemoteGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: remote: base_url is required", domain.ErrConfig)
	}
	if client == nil {
		client = NewHTTPClient(cfg)
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(remoteResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("compile remote response schema: %w", err)
	}
	return &RemoteGateway{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/generate",
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: client,
		schema: schema,
		logger: logger,
	}, nil
}

func (g *RemoteGateway) Name() string { return "remote" }

type remoteRequest struct {
	Model    string                  `json:"model,omitempty"`
	Messages []domain.Message        `json:"messages"`
	Tools    []domain.ToolDescriptor `json:"tools"`
}

// Generate implements domain.ModelGateway.
func (g *RemoteGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := startGenerateSpan(ctx, g.Name(), g.model)
	defer span.End()

	tools := req.Tools
	if tools == nil {
		tools = []domain.ToolDescriptor{}
	}
	body, err := json.Marshal(remoteRequest{Model: g.model, Messages: req.Messages, Tools: tools})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var headers map[string]string
	if g.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + g.apiKey}
	}
	raw, err := doJSONRequest(ctx, g.client, g.url, body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	resp, err := g.decode(raw)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	setUsageAttrs(span, resp)
	tracer.SetOK(span)
	logGenerated(g.logger, g.Name(), resp)
	return resp, nil
}

func (g *RemoteGateway) decode(raw []byte) (*domain.GenerateResponse, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: remote: invalid JSON response: %v", domain.ErrProviderError, err)
	}
	if result := g.schema.Validate(doc); !result.IsValid() {
		return nil, fmt.Errorf("%w: remote: unexpected response shape: %s", domain.ErrProviderError, result.Error())
	}

	var resp domain.GenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: remote: decode response: %v", domain.ErrProviderError, err)
	}
	for i, b := range resp.Content {
		if b.Type == domain.BlockToolUse {
			resp.Content[i] = domain.NewToolUseBlock(b.ID, b.Name, b.Input)
		}
	}
	if resp.Model == "" {
		resp.Model = g.model
	}
	if resp.StopReason == "" {
		resp.StopReason = domain.StopEndTurn
	}
	return &resp, nil
}

var _ domain.ModelGateway = (*RemoteGateway)(nil)
