package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/internal/httpc"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

const providerWhisper = "whisper-server"

// WhisperServer transcribes with a whisper.cpp HTTP server
// (`whisper-server -m ggml-base.en.bin`), posting multipart WAV to its
// /inference endpoint.
type WhisperServer struct {
	baseURL string
	config  *Config
	http    *http.Client
	logger  *slog.Logger
}

// NewWhisperServer creates a provider for the server at WithBaseURL.
func NewWhisperServer(opts ...Option) (*WhisperServer, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	return &WhisperServer{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		config:  cfg,
		http:    httpc.NewClient(cfg.Timeout),
		logger:  cfg.Logger.With("component", "stt.whisper"),
	}, nil
}

// Name returns "whisper-server".
func (w *WhisperServer) Name() string { return providerWhisper }

type whisperResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Transcribe posts the clip to /inference.
func (w *WhisperServer) Transcribe(ctx context.Context, audio conversation.Audio) (string, error) {
	if err := checkAudio(providerWhisper, audio); err != nil {
		return "", err
	}
	start := time.Now()

	data, err := toWhisperWAV(audio)
	if err != nil {
		return "", WrapError(providerWhisper, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", WrapError(providerWhisper, fmt.Errorf("create form file: %w", err))
	}
	if _, err := fw.Write(data); err != nil {
		return "", WrapError(providerWhisper, fmt.Errorf("write audio data: %w", err))
	}
	fields := map[string]string{
		"response_format": "json",
		"temperature":     "0.0",
	}
	if w.config.Language != "" {
		fields["language"] = w.config.Language
	}
	if w.config.Prompt != "" {
		fields["prompt"] = w.config.Prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", WrapError(providerWhisper, fmt.Errorf("write %s field: %w", k, err))
		}
	}
	if err := mw.Close(); err != nil {
		return "", WrapError(providerWhisper, fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", &buf)
	if err != nil {
		return "", WrapError(providerWhisper, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", WrapError(providerWhisper, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Provider:   providerWhisper,
		}
	}

	var result whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", WrapError(providerWhisper, fmt.Errorf("decode response: %w", err))
	}
	if result.Error != "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: result.Error, Provider: providerWhisper}
	}

	text := cleanText(result.Text)
	w.logger.Debug("transcription complete",
		"chars", len(text),
		"upload_bytes", len(data),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// Close releases resources.
func (w *WhisperServer) Close() error { return nil }

var _ Provider = (*WhisperServer)(nil)
