package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/teslashibe/go-companion/internal/httpc"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

const providerOpenAI = "openai"

// OpenAI implements Provider using the OpenAI speech API.
// Audio is requested as WAV so it can be stored and played without
// transcoding.
type OpenAI struct {
	client *openai.Client
	config *Config
	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI TTS provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = httpc.NewClient(cfg.Timeout)

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		config: cfg,
		logger: cfg.Logger.With("component", "tts.openai"),
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return providerOpenAI }

// Synthesize converts text to WAV audio.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (conversation.Audio, error) {
	if err := checkText(providerOpenAI, text); err != nil {
		return conversation.Audio{}, err
	}
	start := time.Now()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.config.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(o.config.Voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          o.config.Speed,
	})
	if err != nil {
		return conversation.Audio{}, o.convertError(err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return conversation.Audio{}, WrapError(providerOpenAI, fmt.Errorf("read audio: %w", err))
	}

	audio, err := wavAudio(providerOpenAI, data)
	if err != nil {
		return conversation.Audio{}, err
	}

	o.logger.Debug("synthesis complete",
		"chars", len(text),
		"bytes", len(data),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return audio, nil
}

// Health checks API connectivity by listing models.
func (o *OpenAI) Health(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return o.convertError(err)
	}
	return nil
}

// Close releases resources.
func (o *OpenAI) Close() error {
	return nil
}

func (o *OpenAI) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerOpenAI,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Provider:   providerOpenAI,
		}
	}
	return WrapError(providerOpenAI, err)
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
