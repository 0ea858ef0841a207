package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Chain implements Provider by trying multiple providers in order.
type Chain struct {
	providers []Provider
	logger    *slog.Logger

	mu   sync.Mutex
	last string
}

// NewChain creates a provider chain. At least one provider is required.
func NewChain(logger *slog.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers: providers,
		logger:    logger.With("component", "stt.chain"),
	}, nil
}

// Name returns the provider that served the last successful call.
func (c *Chain) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != "" {
		return c.last
	}
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

// Transcribe tries each provider until one succeeds. An empty transcript
// is a success.
func (c *Chain) Transcribe(ctx context.Context, audio conversation.Audio) (string, error) {
	var errs []error
	for i, p := range c.providers {
		text, err := p.Transcribe(ctx, audio)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider succeeded", "provider", p.Name())
			}
			c.mu.Lock()
			c.last = p.Name()
			c.mu.Unlock()
			return text, nil
		}
		errs = append(errs, err)
		c.logger.Warn("provider failed, trying next", "provider", p.Name(), "error", err)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", &ChainError{Errors: errs}
}

// Close closes all providers.
func (c *Chain) Close() error {
	var lastErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

var _ Provider = (*Chain)(nil)
