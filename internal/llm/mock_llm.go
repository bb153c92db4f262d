package llm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of Client using testify/mock.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Summarize(ctx context.Context, text string) (string, []string, error) {
	args := m.Called(ctx, text)
	points, _ := args.Get(1).([]string)
	return args.String(0), points, args.Error(2)
}
