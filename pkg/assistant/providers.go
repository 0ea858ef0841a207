package assistant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-companion/internal/config"
	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/conversation/sqlitestore"
	"github.com/teslashibe/go-companion/pkg/emotion"
	"github.com/teslashibe/go-companion/pkg/inference"
	"github.com/teslashibe/go-companion/pkg/session"
	"github.com/teslashibe/go-companion/pkg/stt"
	"github.com/teslashibe/go-companion/pkg/tts"
)

// Canned output of the mock LLM provider.
const (
	MockReply   = "That's a great question! Let's think about it together."
	MockInsight = `{"topics":["curiosity"],"dominantEmotion":"curious","sentimentScore":70,` +
		`"summary":"Asked a question.","keyPhrases":[],"engagementLevel":"medium",` +
		`"questionCount":1,"breakthrough":false,"needsAttention":false}`
	MockTranscript = "Tell me something interesting."
)

// OpenStore opens the configured conversation store.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (conversation.Store, error) {
	switch cfg.Backend {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := conversation.NewFileStore(cfg.Dir, conversation.WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// NewProvider creates the chat provider shared by replies and analysis.
func NewProvider(cfg config.LLMConfig, logger *slog.Logger) (inference.Provider, error) {
	opts := []inference.Option{
		inference.WithModel(cfg.Model),
		inference.WithMaxTokens(cfg.MaxTokens),
		inference.WithTemperature(cfg.Temperature),
		inference.WithTimeout(cfg.Timeout),
		inference.WithLogger(logger),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, inference.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, inference.WithAPIKey(cfg.APIKey))
	}

	switch cfg.Provider {
	case config.ProviderMock:
		return NewMockProvider(), nil
	case config.ProviderLocal:
		c, err := inference.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		return c, nil
	default:
		o, err := inference.NewOpenAI(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		return o, nil
	}
}

// NewMockProvider answers replies with MockReply and analysis requests
// with MockInsight, so the whole pipeline runs offline.
func NewMockProvider() *inference.Mock {
	m := inference.NewMock()
	m.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		content := MockReply
		if req.JSON {
			content = MockInsight
		}
		return &inference.ChatResponse{Message: inference.NewAssistantMessage(content), FinishReason: "stop"}, nil
	}
	return m
}

// slotsFor is how many chat calls a provider serves at once.
func slotsFor(provider string) int {
	if provider == config.ProviderOpenAI {
		return 4
	}
	return 1
}

// NewTranscriber creates the speech-to-text provider, chained with the
// configured fallback.
func NewTranscriber(cfg config.STTConfig, logger *slog.Logger) (stt.Provider, error) {
	primary, err := newSTT(cfg.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || cfg.Fallback == cfg.Provider {
		return primary, nil
	}
	fallback, err := newSTT(cfg.Fallback, cfg, logger)
	if err != nil {
		logger.Warn("stt fallback unavailable", "provider", cfg.Fallback, "error", err)
		return primary, nil
	}
	return stt.NewChain(logger, primary, fallback)
}

func newSTT(name string, cfg config.STTConfig, logger *slog.Logger) (stt.Provider, error) {
	opts := []stt.Option{
		stt.WithModel(cfg.Model),
		stt.WithLanguage(cfg.Language),
		stt.WithTimeout(cfg.Timeout),
		stt.WithLogger(logger),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, stt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, stt.WithAPIKey(cfg.APIKey))
	}

	switch name {
	case config.ProviderMock:
		return stt.NewMock(MockTranscript), nil
	case config.ProviderWhisper:
		w, err := stt.NewWhisperServer(opts...)
		if err != nil {
			return nil, fmt.Errorf("stt: %w", err)
		}
		return w, nil
	default:
		o, err := stt.NewOpenAI(opts...)
		if err != nil {
			return nil, fmt.Errorf("stt: %w", err)
		}
		return o, nil
	}
}

// NewSynthesizer creates the text-to-speech provider. With the hosted
// provider, a configured tts.command serves as its offline fallback.
func NewSynthesizer(cfg config.TTSConfig, logger *slog.Logger) (tts.Provider, error) {
	opts := []tts.Option{
		tts.WithVoice(cfg.Voice),
		tts.WithModel(cfg.Model),
		tts.WithSpeed(cfg.Speed),
		tts.WithCommand(cfg.Command),
		tts.WithTimeout(cfg.Timeout),
		tts.WithLogger(logger),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, tts.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, tts.WithAPIKey(cfg.APIKey))
	}

	switch cfg.Provider {
	case config.ProviderMock:
		return tts.NewMock(), nil
	case config.ProviderCommand:
		c, err := tts.NewCommand(opts...)
		if err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		return c, nil
	}

	hosted, err := tts.NewOpenAI(opts...)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	if cfg.Command == "" {
		return hosted, nil
	}
	local, err := tts.NewCommand(opts...)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	return tts.NewChainWithLogger(logger, hosted, local)
}

// NewEmotion creates the emotion classifier, or nil when classification
// is disabled. Without a model server the loudness heuristic is used.
func NewEmotion(cfg config.EmotionConfig, logger *slog.Logger) (session.EmotionClassifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.BaseURL == "" {
		return emotion.Energy{}, nil
	}
	c, err := emotion.NewHTTPClassifier(cfg.BaseURL, cfg.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("emotion: %w", err)
	}
	return c, nil
}
