package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

// ContentGenerator is the part of the genai SDK used by the gateway.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGateway calls the Gemini API through google.golang.org/genai.
type GeminiGateway struct {
	models    ContentGenerator
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewGeminiGateway creates the SDK client for the Gemini API backend.
func NewGeminiGateway(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*GeminiGateway, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: NewHTTPClient(cfg),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: create client: %v", domain.ErrConfig, err)
	}
	return newGeminiGateway(client.Models, cfg, logger), nil
}

func newGeminiGateway(models ContentGenerator, cfg config.LLMConfig, logger *slog.Logger) *GeminiGateway {
	return &GeminiGateway{models: models, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: logger}
}

func (g *GeminiGateway) Name() string { return "gemini" }

// Generate implements domain.ModelGateway.
func (g *GeminiGateway) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	ctx, span := startGenerateSpan(ctx, g.Name(), g.model)
	defer span.End()

	gc := &genai.GenerateContentConfig{}
	if g.maxTokens > 0 {
		gc.MaxOutputTokens = int32(g.maxTokens)
	}
	if len(req.Tools) > 0 {
		gc.Tools = encodeGeminiTools(req.Tools)
	}

	out, err := g.models.GenerateContent(ctx, g.model, encodeGeminiContents(req.Messages), gc)
	if err != nil {
		err = mapGeminiError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := decodeGeminiResponse(out, g.model)
	setUsageAttrs(span, resp)
	tracer.SetOK(span)
	logGenerated(g.logger, g.Name(), resp)
	return resp, nil
}

func encodeGeminiContents(msgs []domain.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		c := &genai.Content{Role: role}
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockText:
				if b.Text != "" {
					c.Parts = append(c.Parts, &genai.Part{Text: b.Text})
				}
			case domain.BlockToolUse:
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: b.ID, Name: b.Name, Args: toolArgs(b.Input)}})
			case domain.BlockToolResult:
				key := "result"
				if b.IsError {
					key = "error"
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       b.ToolUseID,
					Name:     b.Name,
					Response: map[string]any{key: b.Content},
				}})
			}
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func encodeGeminiTools(tools []domain.ToolDescriptor) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func decodeGeminiResponse(out *genai.GenerateContentResponse, model string) *domain.GenerateResponse {
	resp := &domain.GenerateResponse{Model: model, StopReason: domain.StopEndTurn}
	if out.ModelVersion != "" {
		resp.Model = out.ModelVersion
	}

	hasCall := false
	if len(out.Candidates) > 0 && out.Candidates[0].Content != nil {
		cand := out.Candidates[0]
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				hasCall = true
				id := p.FunctionCall.ID
				if id == "" {
					id = "call_" + p.FunctionCall.Name
				}
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				resp.Content = append(resp.Content, domain.NewToolUseBlock(id, p.FunctionCall.Name, args))
			case p.Text != "":
				resp.Content = append(resp.Content, domain.NewTextBlock(p.Text))
			}
		}
		if cand.FinishReason == genai.FinishReasonMaxTokens {
			resp.StopReason = domain.StopMaxTokens
		}
	}
	if hasCall {
		resp.StopReason = domain.StopToolUse
	}

	if u := out.UsageMetadata; u != nil {
		resp.Usage = &domain.Usage{
			InputTokens:     int(u.PromptTokenCount),
			OutputTokens:    int(u.CandidatesTokenCount),
			CacheReadTokens: optionalCount(int64(u.CachedContentTokenCount)),
		}
	}
	return resp
}

func mapGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %w", err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return sdkError("gemini", apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return sdkError("gemini", apiErrPtr.Code, err)
	}
	return sdkError("gemini", 0, err)
}

var _ domain.ModelGateway = (*GeminiGateway)(nil)
