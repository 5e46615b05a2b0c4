package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

// MessagesClient is the part of the Anthropic SDK used by the gateway.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicGateway calls the Anthropic Messages API.
type AnthropicGateway struct {
	msg       MessagesClient
	model     string
	maxTokens int
	caching   bool
	logger    *slog.Logger
}

// NewAnthropicGateway builds a gateway on the SDK's default client. SDK
// retries are disabled; retry policy lives in the orchestrator.
func NewAnthropicGateway(cfg config.LLMConfig, logger *slog.Logger) *AnthropicGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return newAnthropicGateway(&client.Messages, cfg, logger)
}

func newAnthropicGateway(msg MessagesClient, cfg config.LLMConfig, logger *slog.Logger) *AnthropicGateway {
	return &AnthropicGateway{
		msg:       msg,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		caching:   cfg.PromptCaching,
		logger:    logger,
	}
}

func (g *AnthropicGateway) Name() string { return "anthropic" }

// Generate implements domain.ModelGateway.
func (g *AnthropicGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := startGenerateSpan(ctx, g.Name(), g.model)
	defer span.End()

	params, err := g.buildParams(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	msg, err := g.msg.New(ctx, params)
	if err != nil {
		err = mapAnthropicError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := decodeAnthropicMessage(msg)
	setUsageAttrs(span, resp)
	tracer.SetOK(span)
	logGenerated(g.logger, g.Name(), resp)
	return resp, nil
}

func (g *AnthropicGateway) buildParams(req domain.GenerateRequest) (sdk.MessageNewParams, error) {
	if g.maxTokens <= 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("%w: anthropic: max_tokens must be positive", domain.ErrConfig)
	}
	msgs := encodeAnthropicMessages(req.Messages)
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("%w: anthropic: no messages", domain.ErrInvalidInput)
	}
	tools, err := encodeAnthropicTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages:  msgs,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if g.caching {
		markCacheBreakpoints(&params)
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []domain.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case domain.BlockToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, b.Input, b.Name))
			case domain.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == domain.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func encodeAnthropicTools(tools []domain.ToolDescriptor) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("%w: anthropic: tool %q schema: %v", domain.ErrInvalidInput, t.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// markCacheBreakpoints sets an ephemeral cache_control on the last tool and
// on the last content block of the last message.
func markCacheBreakpoints(params *sdk.MessageNewParams) {
	if n := len(params.Tools); n > 0 && params.Tools[n-1].OfTool != nil {
		params.Tools[n-1].OfTool.CacheControl = sdk.NewCacheControlEphemeralParam()
	}
	n := len(params.Messages)
	if n == 0 {
		return
	}
	content := params.Messages[n-1].Content
	if len(content) == 0 {
		return
	}
	last := &content[len(content)-1]
	switch {
	case last.OfText != nil:
		last.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
	case last.OfToolUse != nil:
		last.OfToolUse.CacheControl = sdk.NewCacheControlEphemeralParam()
	case last.OfToolResult != nil:
		last.OfToolResult.CacheControl = sdk.NewCacheControlEphemeralParam()
	}
}

func decodeAnthropicMessage(msg *sdk.Message) *domain.GenerateResponse {
	resp := &domain.GenerateResponse{
		Model:      string(msg.Model),
		StopReason: anthropicStopReason(msg.StopReason),
		Usage: &domain.Usage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheCreationTokens: domain.IntPtr(int(msg.Usage.CacheCreationInputTokens)),
			CacheReadTokens:     domain.IntPtr(int(msg.Usage.CacheReadInputTokens)),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, domain.NewTextBlock(block.Text))
		case "tool_use":
			resp.Content = append(resp.Content, domain.NewToolUseBlock(block.ID, block.Name, block.Input))
		}
	}
	return resp
}

func anthropicStopReason(r sdk.StopReason) domain.StopReason {
	switch r {
	case sdk.StopReasonToolUse:
		return domain.StopToolUse
	case sdk.StopReasonMaxTokens:
		return domain.StopMaxTokens
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence, "":
		return domain.StopEndTurn
	default:
		return domain.StopReason(r)
	}
}

func mapAnthropicError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: %w", err)
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return sdkError("anthropic", apiErr.StatusCode, err)
	}
	return sdkError("anthropic", 0, err)
}

var _ domain.ModelGateway = (*AnthropicGateway)(nil)
