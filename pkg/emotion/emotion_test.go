package emotion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

func wav(samples []int16) conversation.Audio {
	return conversation.Audio{Data: audioio.EncodeWAV(samples, 16000, 1), Encoding: "wav", SampleRate: 16000}
}

func square(n int, amp int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return s
}

func TestFromScores(t *testing.T) {
	t.Run("argmax when label omitted", func(t *testing.T) {
		e, err := FromScores("", 0, map[string]float64{"happy": 0.7, "sad": 0.2, "neutral": 0.1})
		if err != nil {
			t.Fatalf("FromScores error: %v", err)
		}
		if e.Label != "happy" || e.Confidence != 0.7 {
			t.Errorf("got %s %.2f, want happy 0.70", e.Label, e.Confidence)
		}
	})

	t.Run("explicit label kept", func(t *testing.T) {
		e, _ := FromScores("sad", 0.4, map[string]float64{"happy": 0.6, "sad": 0.4})
		if e.Label != "sad" || e.Confidence != 0.4 {
			t.Errorf("got %s %.2f, want sad 0.40", e.Label, e.Confidence)
		}
	})

	t.Run("logits normalized", func(t *testing.T) {
		e, _ := FromScores("", 0, map[string]float64{"angry": 2, "fear": 2, "sad": -3})
		if e.Label != "angry" {
			t.Errorf("tie should go to first label alphabetically, got %s", e.Label)
		}
		var sum float64
		for _, v := range e.Scores {
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("softmax sum = %v, want 1", sum)
		}
	})

	t.Run("nothing to go on", func(t *testing.T) {
		if _, err := FromScores("", 0, nil); !errors.Is(err, ErrNoScores) {
			t.Errorf("err = %v, want ErrNoScores", err)
		}
	})
}

func TestHTTPClassifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/classify" {
			t.Errorf("path = %s, want /classify", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Content-Type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if _, err := audioio.DecodeWAV(body); err != nil {
			t.Errorf("body is not WAV: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"logits": []float64{0, 0, 0, 3, 1, 0, 0},
		})
	}))
	defer server.Close()

	c, err := NewHTTPClassifier(server.URL, 0, nil)
	if err != nil {
		t.Fatalf("NewHTTPClassifier error: %v", err)
	}
	e, err := c.Classify(context.Background(), wav(square(160, 1000)))
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if e.Label != "happy" {
		t.Errorf("Label = %s, want happy", e.Label)
	}
	if len(e.Scores) != len(Labels) {
		t.Errorf("Scores = %d labels, want %d", len(e.Scores), len(Labels))
	}
}

func TestHTTPClassifierErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusInternalServerError)
	}))
	defer server.Close()

	c, _ := NewHTTPClassifier(server.URL, 0, nil)
	if _, err := c.Classify(context.Background(), wav(square(160, 1000))); err == nil {
		t.Error("expected error for 500")
	}
	if _, err := c.Classify(context.Background(), conversation.Audio{}); !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
	if _, err := NewHTTPClassifier("", 0, nil); !errors.Is(err, ErrNoBaseURL) {
		t.Errorf("err = %v, want ErrNoBaseURL", err)
	}
}

func TestEnergy(t *testing.T) {
	tests := []struct {
		name string
		amp  int16
		want string
	}{
		{"silence", 0, "sad"},
		{"quiet", 4000, "neutral"},
		{"lively", 8000, "happy"},
		{"shouting", 20000, "angry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Energy{}.Classify(context.Background(), wav(square(1600, tt.amp)))
			if err != nil {
				t.Fatalf("Classify error: %v", err)
			}
			if e.Label != tt.want {
				t.Errorf("Label = %s, want %s", e.Label, tt.want)
			}
		})
	}
}

func TestMock(t *testing.T) {
	m := NewMock("neutral", 0.9)
	e, _ := m.Classify(context.Background(), conversation.Audio{})
	if e.Label != "neutral" || m.Calls() != 1 {
		t.Errorf("got %s after %d calls", e.Label, m.Calls())
	}
}
