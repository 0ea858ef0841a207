package stt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/teslashibe/go-companion/internal/httpc"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

const providerOpenAI = "openai"

// OpenAI transcribes with the hosted Whisper API.
type OpenAI struct {
	client *openai.Client
	config *Config
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI transcription provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = httpc.NewClient(cfg.Timeout)

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		config: cfg,
		logger: cfg.Logger.With("component", "stt.openai"),
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return providerOpenAI }

// Transcribe uploads the clip and returns the recognized text.
func (o *OpenAI) Transcribe(ctx context.Context, audio conversation.Audio) (string, error) {
	if err := checkAudio(providerOpenAI, audio); err != nil {
		return "", err
	}
	start := time.Now()

	ext := audio.Encoding
	if ext == "" {
		ext = "wav"
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.Model,
		FilePath: "audio." + ext,
		Reader:   bytes.NewReader(audio.Data),
		Language: o.config.Language,
		Prompt:   o.config.Prompt,
	})
	if err != nil {
		return "", o.convertError(err)
	}

	text := cleanText(resp.Text)
	o.logger.Debug("transcription complete",
		"chars", len(text),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// Close releases resources.
func (o *OpenAI) Close() error { return nil }

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

var _ Provider = (*OpenAI)(nil)
