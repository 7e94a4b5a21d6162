package backend

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock of Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	called := m.Called(ctx, name, args)
	return called.String(0), called.Error(1)
}
