package audioio

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMock
	cfg.BufferDuration = 10 * time.Millisecond
	return cfg
}

func loud(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = 8000
		} else {
			s[i] = -8000
		}
	}
	return s
}

func TestRecorderFullWindow(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil, WithSineWave(440, 0.3))
	rec := NewRecorder(src, nil, WithWindow(100*time.Millisecond))

	audio, d, err := rec.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}
	if d != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", d)
	}
	if audio.Encoding != "wav" || audio.SampleRate != 16000 {
		t.Errorf("audio = %s @ %d, want wav @ 16000", audio.Encoding, audio.SampleRate)
	}

	info, err := DecodeWAV(audio.Data)
	if err != nil {
		t.Fatalf("DecodeWAV error: %v", err)
	}
	if len(info.Samples) != 1600 {
		t.Errorf("samples = %d, want 1600", len(info.Samples))
	}
	if src.Stats().Running {
		t.Error("source should be stopped after Capture")
	}
}

func TestRecorderStopsOnTrailingSilence(t *testing.T) {
	cfg := testConfig()
	// 50ms of speech then silence
	src := NewMockSource(cfg, nil, WithScript(loud(800)))
	rec := NewRecorder(src, nil,
		WithWindow(2*time.Second),
		WithSilence(0.05, 50*time.Millisecond),
	)

	audio, d, err := rec.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}
	if audio.Empty() {
		t.Fatal("expected audio")
	}
	if d != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms (speech plus trailing silence)", d)
	}
}

func TestRecorderSilenceOnlyIsEmpty(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil)
	rec := NewRecorder(src, nil,
		WithWindow(100*time.Millisecond),
		WithSilence(0.05, 30*time.Millisecond),
	)

	audio, _, err := rec.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}
	if !audio.Empty() {
		t.Error("silence should produce empty audio")
	}
}

func TestRecorderCancelled(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil)
	rec := NewRecorder(src, nil, WithWindow(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := rec.Capture(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestCommandSource(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	cfg := DefaultConfig()
	cfg.Backend = BackendCommand
	cfg.Command = "head -c 4800 /dev/zero" // 1.5 buffers at 16kHz

	src, err := NewCommandSource(cfg, nil)
	if err != nil {
		t.Fatalf("NewCommandSource error: %v", err)
	}
	defer src.Close()

	rec := NewRecorder(src, nil, WithWindow(5*time.Second))
	audio, d, err := rec.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}
	if d != 150*time.Millisecond {
		t.Errorf("duration = %v, want 150ms", d)
	}
	if audio.Empty() {
		t.Error("expected audio")
	}
	if got := src.Stats().ChunksRead; got != 2 {
		t.Errorf("ChunksRead = %d, want 2", got)
	}
}

func TestRecorderCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command = "rec -r {rate} -c {channels} -"

	argv := RecorderCommand(cfg)
	want := []string{"rec", "-r", "16000", "-c", "1", "-"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestNewSourceMock(t *testing.T) {
	src, err := NewSource(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewSource error: %v", err)
	}
	if src.Name() != "mock" {
		t.Errorf("Name = %q, want mock", src.Name())
	}

	bad := testConfig()
	bad.Backend = "coreaudio"
	if _, err := NewSource(bad, nil); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
