package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = `You are a warm, curious voice companion talking with a young learner.

Personality: patient, encouraging, playful, honest.
Speech: natural and conversational, simple words.

IMPORTANT: Keep responses SHORT (1-2 sentences maximum).
Answer directly, the way you would speak out loud.`

// Responder turns a transcript into a spoken reply. It composes the
// persona, the aggregated context of earlier conversations and a short
// rolling history of this session's exchanges.
type Responder struct {
	provider    Provider
	persona     string
	maxTokens   int
	temperature float64
	history     int
	logger      *slog.Logger

	mu       sync.Mutex
	exchange []exchange
}

type exchange struct {
	user, reply string
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithPersona replaces the system prompt.
func WithPersona(prompt string) ResponderOption {
	return func(r *Responder) {
		if strings.TrimSpace(prompt) != "" {
			r.persona = prompt
		}
	}
}

// WithReplyTokens caps reply length.
func WithReplyTokens(n int) ResponderOption {
	return func(r *Responder) { r.maxTokens = n }
}

// WithReplyTemperature sets sampling temperature for replies.
func WithReplyTemperature(t float64) ResponderOption {
	return func(r *Responder) { r.temperature = t }
}

// WithHistory sets how many previous exchanges are replayed. Zero disables it.
func WithHistory(n int) ResponderOption {
	return func(r *Responder) { r.history = n }
}

// WithResponderLogger sets the structured logger.
func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// NewResponder creates a Responder on provider.
func NewResponder(provider Provider, opts ...ResponderOption) *Responder {
	r := &Responder{
		provider:    provider,
		persona:     DefaultPersona,
		maxTokens:   80,
		temperature: 0.7,
		history:     2,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "inference.responder")
	return r
}

// Generate returns the reply to transcript. contextText, when non-empty,
// is placed verbatim ahead of the user's words.
func (r *Responder) Generate(ctx context.Context, transcript, contextText string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", fmt.Errorf("inference: empty transcript")
	}

	messages := []Message{NewSystemMessage(r.persona)}

	r.mu.Lock()
	for _, ex := range r.exchange {
		messages = append(messages, NewUserMessage(ex.user), NewAssistantMessage(ex.reply))
	}
	r.mu.Unlock()

	prompt := transcript
	if contextText != "" {
		prompt = contextText + transcript
	}
	messages = append(messages, NewUserMessage(prompt))

	resp, err := r.provider.Chat(ctx, &ChatRequest{
		Messages:    messages,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		return "", WrapError("responder", ErrEmptyResponse)
	}

	r.remember(transcript, reply)
	r.logger.Debug("reply generated",
		"latency_ms", resp.LatencyMs,
		"with_context", contextText != "",
	)
	return reply, nil
}

func (r *Responder) remember(user, reply string) {
	if r.history <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchange = append(r.exchange, exchange{user: user, reply: reply})
	if len(r.exchange) > r.history {
		r.exchange = r.exchange[len(r.exchange)-r.history:]
	}
}

// Reset forgets the rolling history.
func (r *Responder) Reset() {
	r.mu.Lock()
	r.exchange = nil
	r.mu.Unlock()
}

// Name identifies the backend for turn metadata.
func (r *Responder) Name() string {
	return providerName(r.provider)
}

func providerName(p Provider) string {
	switch v := p.(type) {
	case *Client:
		return "openai-compatible"
	case *OpenAI:
		return providerOpenAI
	case *Chain:
		names := make([]string, 0, len(v.providers))
		for _, inner := range v.providers {
			names = append(names, providerName(inner))
		}
		return "chain(" + strings.Join(names, ",") + ")"
	case *lane:
		return providerName(v.shared.provider)
	case *Mock:
		return "mock"
	default:
		return fmt.Sprintf("%T", p)
	}
}
