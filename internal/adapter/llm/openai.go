package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

// CompletionsClient is the part of the OpenAI SDK used by the gateway.
// *openai.ChatCompletionService satisfies it.
type CompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIGateway calls the OpenAI Chat Completions API.
type OpenAIGateway struct {
	completions CompletionsClient
	model       string
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAIGateway builds a gateway on the SDK's default client.
func NewOpenAIGateway(cfg config.LLMConfig, logger *slog.Logger) *OpenAIGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newOpenAIGateway(&client.Chat.Completions, cfg, logger)
}

func newOpenAIGateway(c CompletionsClient, cfg config.LLMConfig, logger *slog.Logger) *OpenAIGateway {
	return &OpenAIGateway{completions: c, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: logger}
}

func (g *OpenAIGateway) Name() string { return "openai" }

// Generate implements domain.ModelGateway.
func (g *OpenAIGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := startGenerateSpan(ctx, g.Name(), g.model)
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: encodeOpenAIMessages(req.Messages),
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(g.maxTokens))
	}
	if len(req.Tools) > 0 {
		tools, err := encodeOpenAITools(req.Tools)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		params.Tools = tools
	}

	completion, err := g.completions.New(ctx, params)
	if err != nil {
		err = mapOpenAIError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp, err := decodeOpenAICompletion(completion)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	setUsageAttrs(span, resp)
	tracer.SetOK(span)
	logGenerated(g.logger, g.Name(), resp)
	return resp, nil
}

// encodeOpenAIMessages flattens block messages into chat messages: each
// tool_result becomes its own tool message, and an assistant turn carries
// its text and tool calls together.
func encodeOpenAIMessages(msgs []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, b := range m.Content {
				if b.Type == domain.BlockToolUse {
					calls = append(calls, openai.ChatCompletionMessageToolCallParam{
						ID: b.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      b.Name,
							Arguments: string(b.Input),
						},
					})
				}
			}
			text := m.Text()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			continue
		}

		var texts []string
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockToolResult:
				out = append(out, openai.ToolMessage(b.Content, b.ToolUseID))
			case domain.BlockText:
				if b.Text != "" {
					texts = append(texts, b.Text)
				}
			}
		}
		if len(texts) > 0 {
			out = append(out, openai.UserMessage(strings.Join(texts, "\n")))
		}
	}
	return out
}

func encodeOpenAITools(tools []domain.ToolDescriptor) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("%w: openai: tool %q schema: %v", domain.ErrInvalidInput, t.Name, err)
			}
		}
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(schema),
		}
		if t.Description != "" {
			fn.Description = param.NewOpt(t.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func decodeOpenAICompletion(c *openai.ChatCompletion) (*domain.GenerateResponse, error) {
	if len(c.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai: response has no choices", domain.ErrProviderError)
	}
	choice := c.Choices[0]

	resp := &domain.GenerateResponse{
		Model: c.Model,
		Usage: &domain.Usage{
			InputTokens:     int(c.Usage.PromptTokens),
			OutputTokens:    int(c.Usage.CompletionTokens),
			CacheReadTokens: optionalCount(c.Usage.PromptTokensDetails.CachedTokens),
		},
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, domain.NewTextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		resp.Content = append(resp.Content, domain.NewToolUseBlock(tc.ID, tc.Function.Name, args))
	}

	switch choice.FinishReason {
	case "tool_calls":
		resp.StopReason = domain.StopToolUse
	case "length":
		resp.StopReason = domain.StopMaxTokens
	default:
		resp.StopReason = domain.StopEndTurn
	}
	if resp.StopReason == domain.StopEndTurn && len(choice.Message.ToolCalls) > 0 {
		resp.StopReason = domain.StopToolUse
	}
	return resp, nil
}

func mapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai: %w", err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return sdkError("openai", apiErr.StatusCode, err)
	}
	return sdkError("openai", 0, err)
}

var _ domain.ModelGateway = (*OpenAIGateway)(nil)
