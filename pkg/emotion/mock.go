package emotion

import (
	"context"
	"sync"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Mock implements Provider for testing.
type Mock struct {
	// ClassifyFunc overrides the fixed result when set.
	ClassifyFunc func(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error)

	// Result is returned when ClassifyFunc is nil.
	Result conversation.Emotion

	mu    sync.Mutex
	calls int
}

// NewMock returns a mock that always reports label.
func NewMock(label string, confidence float64) *Mock {
	return &Mock{Result: conversation.Emotion{Label: label, Confidence: confidence}}
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Classify records the call.
func (m *Mock) Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, audio)
	}
	e := m.Result
	return &e, nil
}

// Calls returns how many times Classify was called.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Provider = (*Mock)(nil)
