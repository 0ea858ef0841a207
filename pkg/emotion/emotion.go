// Package emotion labels the emotional tone of a spoken utterance.
//
// Classification is advisory: the session controller records whatever a
// Provider returns and carries on without a label when it fails.
package emotion

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Labels is the vocabulary of the speech emotion model.
var Labels = []string{"angry", "disgust", "fear", "happy", "neutral", "sad", "surprise"}

// Errors.
var (
	ErrNoAudio   = errors.New("emotion: no audio")
	ErrNoScores  = errors.New("emotion: classifier returned no scores")
	ErrNoBaseURL = errors.New("emotion: base URL required")
)

// Provider classifies recorded speech.
type Provider interface {
	Name() string
	Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error)
}

// FromScores builds an Emotion from per-label scores. Scores outside 0..1
// are treated as logits and passed through a softmax. An empty label
// selects the highest score, ties going to the alphabetically first
// label; a zero confidence is taken from the label's score.
func FromScores(label string, confidence float64, scores map[string]float64) (*conversation.Emotion, error) {
	if len(scores) == 0 {
		if label == "" {
			return nil, ErrNoScores
		}
		return &conversation.Emotion{Label: label, Confidence: confidence}, nil
	}
	if !probabilities(scores) {
		scores = softmax(scores)
	}

	if label == "" {
		keys := make([]string, 0, len(scores))
		for k := range scores {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		best := math.Inf(-1)
		for _, k := range keys {
			if scores[k] > best {
				label, best = k, scores[k]
			}
		}
	}
	if confidence == 0 {
		confidence = scores[label]
	}
	return &conversation.Emotion{Label: label, Confidence: confidence, Scores: scores}, nil
}

func probabilities(scores map[string]float64) bool {
	for _, v := range scores {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

func softmax(logits map[string]float64) map[string]float64 {
	peak := math.Inf(-1)
	for _, v := range logits {
		peak = math.Max(peak, v)
	}
	var sum float64
	out := make(map[string]float64, len(logits))
	for k, v := range logits {
		e := math.Exp(v - peak)
		out[k] = e
		sum += e
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}
