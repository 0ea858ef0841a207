package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/internal/httpc"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

// HTTPClassifier posts WAV audio to a model server's /classify endpoint.
// The server answers with any of:
//
//	{"label": "happy", "confidence": 0.81, "scores": {"happy": 0.81, ...}}
//	{"scores": {"angry": -1.2, "happy": 2.3, ...}}
//	{"logits": [-1.2, 0.1, ...]}    // in Labels order
type HTTPClassifier struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClassifier creates a classifier for the server at baseURL.
func NewHTTPClassifier(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPClassifier, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClassifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpc.NewClient(timeout),
		logger:  logger.With("component", "emotion.http"),
	}, nil
}

// Name returns "http".
func (c *HTTPClassifier) Name() string { return "http" }

type classifyResponse struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	Logits     []float64          `json:"logits"`
}

// Classify sends the clip and decodes the server's scores.
func (c *HTTPClassifier) Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error) {
	if audio.Empty() {
		return nil, ErrNoAudio
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(audio.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emotion: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("emotion: server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("emotion: decode response: %w", err)
	}

	scores := out.Scores
	if len(scores) == 0 && len(out.Logits) > 0 {
		if len(out.Logits) != len(Labels) {
			return nil, fmt.Errorf("emotion: got %d logits for %d labels", len(out.Logits), len(Labels))
		}
		scores = make(map[string]float64, len(Labels))
		for i, l := range Labels {
			scores[l] = out.Logits[i]
		}
	}

	e, err := FromScores(out.Label, out.Confidence, scores)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("classified",
		"label", e.Label,
		"confidence", e.Confidence,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return e, nil
}

var _ Provider = (*HTTPClassifier)(nil)
