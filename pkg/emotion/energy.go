package emotion

import (
	"context"

	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Energy is a crude fallback that guesses from loudness alone. It is used
// when no model server is configured.
type Energy struct{}

// Name returns "energy".
func (Energy) Name() string { return "energy" }

// Classify maps mean signal energy onto four coarse labels.
func (Energy) Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error) {
	if audio.Empty() {
		return nil, ErrNoAudio
	}
	info, err := audioio.DecodeWAV(audio.Data)
	if err != nil {
		return nil, err
	}
	rms := audioio.CalculateRMS(info.Samples)
	energy := rms * rms

	var label string
	var confidence float64
	switch {
	case energy > 0.1:
		label, confidence = "angry", 0.6
	case energy > 0.05:
		label, confidence = "happy", 0.5
	case energy > 0.01:
		label, confidence = "neutral", 0.5
	default:
		label, confidence = "sad", 0.4
	}

	scores := map[string]float64{"angry": 0.25, "happy": 0.25, "neutral": 0.25, "sad": 0.25}
	scores[label] = confidence
	return &conversation.Emotion{Label: label, Confidence: confidence, Scores: scores}, nil
}

var _ Provider = Energy{}
