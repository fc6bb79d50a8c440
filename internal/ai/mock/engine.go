package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/chatrelay/internal/ai"
)

// MockEngine satisfies ai.Engine for testing and records every prompt.
type MockEngine struct {
	GenerateFunc func(ctx context.Context, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (m *MockEngine) GenerateContent(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Prompts returns the prompts received so far.
func (m *MockEngine) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Calls returns the number of GenerateContent calls.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// NewMockEngine returns a MockEngine that always answers with reply.
func NewMockEngine(reply string) *MockEngine {
	return &MockEngine{
		GenerateFunc: func(_ context.Context, _ string) (string, error) {
			return reply, nil
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		GenerateFunc: func(_ context.Context, _ string) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutEngine returns a MockEngine that blocks until context is cancelled.
func NewTimeoutEngine() *MockEngine {
	return &MockEngine{
		GenerateFunc: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockEngine implements Engine.
var _ ai.Engine = (*MockEngine)(nil)
