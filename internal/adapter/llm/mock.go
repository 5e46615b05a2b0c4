package llm

import (
	"context"

	"sre-agent/internal/domain"
)

// MockResponse is the text returned by the mock gateway.
const MockResponse = "This is a template response from a dummy model."

// MockGateway is a fixed-response gateway for local runs and smoke tests.
type MockGateway struct{}

// NewMockGateway returns a MockGateway.
func NewMockGateway() *MockGateway { return &MockGateway{} }

func (MockGateway) Name() string { return "mock" }

// Generate always ends the turn with MockResponse and no usage.
func (MockGateway) Generate(ctx context.Context, _ domain.GenerateRequest) (*domain.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.GenerateResponse{
		Model:      "mock",
		Content:    []domain.ContentBlock{domain.NewTextBlock(MockResponse)},
		StopReason: domain.StopEndTurn,
	}, nil
}

var _ domain.ModelGateway = MockGateway{}
