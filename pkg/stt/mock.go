package stt

import (
	"context"
	"sync"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Mock implements Provider for testing.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked. If nil, the
	// mock returns Text.
	TranscribeFunc func(ctx context.Context, audio conversation.Audio) (string, error)

	// Text is the fixed transcript returned when TranscribeFunc is nil.
	Text string

	mu    sync.Mutex
	calls int
}

// NewMock creates a mock that always hears text.
func NewMock(text string) *Mock {
	return &Mock{Text: text}
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Transcribe records the call and returns the scripted transcript.
func (m *Mock) Transcribe(ctx context.Context, audio conversation.Audio) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, audio)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Text, nil
}

// Calls returns how many times Transcribe was called.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close releases resources.
func (m *Mock) Close() error { return nil }

var _ Provider = (*Mock)(nil)
