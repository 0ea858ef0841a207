package tts_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/tts"
)

func TestMockProvider(t *testing.T) {
	mock := tts.NewMock()
	ctx := context.Background()

	t.Run("Synthesize returns WAV", func(t *testing.T) {
		audio, err := mock.Synthesize(ctx, "Hello world")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if audio.Encoding != tts.EncodingWAV {
			t.Errorf("expected wav, got %s", audio.Encoding)
		}
		if got := tts.Duration(audio); got != 220*time.Millisecond {
			t.Errorf("expected 220ms, got %v", got)
		}
	})

	t.Run("Calls are tracked", func(t *testing.T) {
		mock.Health(ctx)
		if mock.CallCount("Synthesize") != 1 {
			t.Errorf("expected 1 Synthesize call, got %d", mock.CallCount("Synthesize"))
		}
		if len(mock.Calls()) != 2 {
			t.Errorf("expected 2 calls, got %d", len(mock.Calls()))
		}
	})

	t.Run("Reset clears calls", func(t *testing.T) {
		mock.Reset()
		if len(mock.Calls()) != 0 {
			t.Error("expected calls to be cleared")
		}
	})
}

func TestMockWithLatency(t *testing.T) {
	mock := tts.WithLatency(tts.NewMock(), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := mock.Synthesize(ctx, "Hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := tts.NewOpenAI(); !errors.Is(err, tts.ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
	if _, err := tts.NewCommand(); !errors.Is(err, tts.ErrNoCommand) {
		t.Errorf("expected ErrNoCommand, got %v", err)
	}

	cfg := tts.DefaultConfig()
	cfg.Apply(tts.WithVoice("shimmer"), tts.WithSpeed(1.25), tts.WithLogger(nil))
	if cfg.Voice != "shimmer" || cfg.Speed != 1.25 {
		t.Errorf("options not applied: %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Error("expected default logger")
	}
}

func TestOpenAISynthesize(t *testing.T) {
	wav := audioio.EncodeWAV(make([]int16, 2400), 24000, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("Expected /v1/audio/speech, got %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["response_format"] != "wav" {
			t.Errorf("Expected wav response_format, got %v", body["response_format"])
		}
		if body["voice"] != "nova" || body["input"] != "Hi Harry" {
			t.Errorf("Unexpected request: %v", body)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer server.Close()

	p, err := tts.NewOpenAI(tts.WithAPIKey("sk-test"), tts.WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), "Hi Harry")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if audio.SampleRate != 24000 {
		t.Errorf("Expected 24000 Hz, got %d", audio.SampleRate)
	}
	if tts.Duration(audio) != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", tts.Duration(audio))
	}
}

func TestOpenAIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": "slow down", "code": "rate_limit_exceeded"},
		})
	}))
	defer server.Close()

	p, _ := tts.NewOpenAI(tts.WithAPIKey("sk-test"), tts.WithBaseURL(server.URL+"/v1"))

	_, err := p.Synthesize(context.Background(), "Hello")
	var apiErr *tts.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if !apiErr.IsRateLimited() || !apiErr.IsRetryable() {
		t.Errorf("Expected retryable rate limit, got %+v", apiErr)
	}

	if _, err := p.Synthesize(context.Background(), "  "); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	if err := os.WriteFile(path, audioio.EncodeWAV(make([]int16, 2205), 22050, 1), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandStdout(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := tts.NewCommand(tts.WithCommand("cat " + writeFixture(t)))
	if err != nil {
		t.Fatalf("NewCommand error: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if audio.SampleRate != 22050 {
		t.Errorf("Expected 22050 Hz, got %d", audio.SampleRate)
	}
	if p.Name() != "cat" {
		t.Errorf("Expected name cat, got %s", p.Name())
	}
}

func TestCommandOutputFile(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	p, _ := tts.NewCommand(tts.WithCommand("cp " + writeFixture(t) + " {file}"))

	audio, err := p.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if audio.Empty() {
		t.Error("expected audio from output file")
	}
}

func TestCommandRejectsNonWAV(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	p, _ := tts.NewCommand(tts.WithCommand("echo {text}"))

	_, err := p.Synthesize(context.Background(), "not audio")
	if !errors.Is(err, audioio.ErrNotWAV) {
		t.Errorf("Expected ErrNotWAV, got %v", err)
	}
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	t.Run("NewChain requires providers", func(t *testing.T) {
		_, err := tts.NewChain()
		if err != tts.ErrProviderUnavailable {
			t.Errorf("expected ErrProviderUnavailable, got %v", err)
		}
	})

	t.Run("First provider succeeds", func(t *testing.T) {
		mock1 := tts.NewMock()
		mock2 := tts.NewMock()

		chain, _ := tts.NewChain(mock1, mock2)
		defer chain.Close()

		if _, err := chain.Synthesize(ctx, "Hello"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mock1.CallCount("Synthesize") != 1 || mock2.CallCount("Synthesize") != 0 {
			t.Error("expected only first provider to be called")
		}
	})

	t.Run("Fallback on failure", func(t *testing.T) {
		failMock := tts.WithError(errors.New("provider 1 failed"))
		chain, _ := tts.NewChain(failMock, tts.NewMock())

		if got := chain.Name(); got != "mock,mock" {
			t.Errorf("expected joined name before first call, got %s", got)
		}
		audio, err := chain.Synthesize(ctx, "Hello")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if audio.Empty() {
			t.Error("expected audio from fallback provider")
		}
		if chain.Name() != "mock" {
			t.Errorf("expected serving provider name, got %s", chain.Name())
		}
	})

	t.Run("All providers fail", func(t *testing.T) {
		fail2 := errors.New("fail 2")
		chain, _ := tts.NewChain(tts.WithError(errors.New("fail 1")), tts.WithError(fail2))

		_, err := chain.Synthesize(ctx, "Hello")
		var chainErr *tts.ChainError
		if !errors.As(err, &chainErr) || len(chainErr.Errors) != 2 {
			t.Fatalf("expected ChainError with 2 errors, got %v", err)
		}
		if !errors.Is(err, fail2) {
			t.Error("expected ChainError to unwrap to the last error")
		}
	})

	t.Run("Health needs one healthy provider", func(t *testing.T) {
		chain, _ := tts.NewChain(tts.WithError(errors.New("down")), tts.NewMock())
		if err := chain.Health(ctx); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestProviderError(t *testing.T) {
	inner := errors.New("connection failed")
	err := tts.WrapError("openai", inner)

	if !errors.Is(err, inner) {
		t.Error("expected wrapped error to match inner")
	}
	if err.Error() != "tts [openai]: connection failed" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if tts.WrapError("openai", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestDurationNonWAV(t *testing.T) {
	if d := tts.Duration(conversation.Audio{Data: []byte{1, 2}, Encoding: tts.EncodingMP3}); d != 0 {
		t.Errorf("expected 0 for mp3, got %v", d)
	}
}
