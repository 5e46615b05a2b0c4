package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

const defaultBedrockRegion = "us-east-1"

// ConverseClient abstracts the Bedrock runtime method used by the gateway.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockGateway calls a model through the AWS Bedrock Converse API.
type BedrockGateway struct {
	client    ConverseClient
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewBedrockGateway creates a gateway using the default AWS credential chain.
func NewBedrockGateway(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*BedrockGateway, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", domain.ErrConfig, err)
	}
	return newBedrockGateway(bedrockruntime.NewFromConfig(awsCfg), cfg, logger), nil
}

func newBedrockGateway(client ConverseClient, cfg config.LLMConfig, logger *slog.Logger) *BedrockGateway {
	return &BedrockGateway{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: logger}
}

func (g *BedrockGateway) Name() string { return "bedrock" }

// Generate implements domain.ModelGateway.
func (g *BedrockGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := startGenerateSpan(ctx, g.Name(), g.model)
	defer span.End()

	out, err := g.client.Converse(ctx, g.converseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := decodeBedrockOutput(out, g.model)
	setUsageAttrs(span, resp)
	tracer.SetOK(span)
	logGenerated(g.logger, g.Name(), resp)
	return resp, nil
}

func (g *BedrockGateway) converseInput(req domain.GenerateRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(g.model),
		Messages: encodeBedrockMessages(req.Messages),
	}
	if g.maxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(g.maxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeBedrockTools(req.Tools)
	}
	return input
}

func encodeBedrockMessages(msgs []domain.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := types.Message{Role: types.ConversationRoleUser}
		if m.Role == domain.RoleAssistant {
			msg.Role = types.ConversationRoleAssistant
		}
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockText:
				if b.Text != "" {
					msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: b.Text})
				}
			case domain.BlockToolUse:
				input := toolArgs(b.Input)
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(b.ID),
					Name:      aws.String(b.Name),
					Input:     document.NewLazyDocument(input),
				}})
			case domain.BlockToolResult:
				result := types.ToolResultBlock{
					ToolUseId: aws.String(b.ToolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: b.Content},
					},
				}
				if b.IsError {
					result.Status = types.ToolResultStatusError
				}
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: result})
			}
		}
		if len(msg.Content) > 0 {
			out = append(out, msg)
		}
	}
	return out
}

func encodeBedrockTools(tools []domain.ToolDescriptor) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		spec := types.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if t.Description != "" {
			spec.Description = aws.String(t.Description)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func decodeBedrockOutput(out *bedrockruntime.ConverseOutput, model string) *domain.GenerateResponse {
	resp := &domain.GenerateResponse{Model: model, StopReason: bedrockStopReason(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = &domain.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content = append(resp.Content, domain.NewTextBlock(b.Value))
		case *types.ContentBlockMemberToolUse:
			resp.Content = append(resp.Content, domain.NewToolUseBlock(
				aws.ToString(b.Value.ToolUseId),
				aws.ToString(b.Value.Name),
				marshalDocument(b.Value.Input),
			))
		}
	}
	return resp
}

func bedrockStopReason(r types.StopReason) domain.StopReason {
	switch r {
	case types.StopReasonToolUse:
		return domain.StopToolUse
	case types.StopReasonMaxTokens:
		return domain.StopMaxTokens
	default:
		return domain.StopEndTurn
	}
}

// marshalDocument converts a Bedrock document to raw JSON, falling back to {}.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || !json.Valid(data) || string(data) == "null" {
		return json.RawMessage("{}")
	}
	return data
}

func mapBedrockError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bedrock: %w", err)
	}
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
		return domain.WrapOp("bedrock", err)
	}
	return fmt.Errorf("%w: bedrock: %v", domain.ErrProviderError, err)
}

var _ domain.ModelGateway = (*BedrockGateway)(nil)
