package planner

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/solosway/webscout/api/schemas"
)

// MockLLMClient mocks the judgment service.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error { return nil }
