package wake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestKeyboard(t *testing.T) {
	var prompt bytes.Buffer
	k := NewKeyboard(strings.NewReader("\n\n"), &prompt)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := k.Wait(ctx); err != nil {
			t.Fatalf("Wait %d error: %v", i, err)
		}
	}
	if err := k.Wait(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Wait after input ends = %v, want io.EOF", err)
	}
	if !strings.Contains(prompt.String(), "Press ENTER") {
		t.Errorf("prompt = %q", prompt.String())
	}
}

func TestKeyboardCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	k := NewKeyboard(r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := k.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}

	// A line typed later still wakes the next Wait.
	go w.Write([]byte("\n"))
	if err := k.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}

func TestTrigger(t *testing.T) {
	tr := NewTrigger()
	if !tr.Fire() {
		t.Fatal("first Fire should succeed")
	}
	if tr.Fire() {
		t.Error("second Fire should be dropped while one is pending")
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want Canceled", err)
	}
}

func TestCommand(t *testing.T) {
	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
	c := NewCommand([]string{"printf", `wake\nwake\n`}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := c.Wait(ctx); err != nil {
			t.Fatalf("Wait %d error: %v", i, err)
		}
	}
	if err := c.Wait(ctx); !errors.Is(err, ErrExited) {
		t.Errorf("Wait after exit = %v, want ErrExited", err)
	}
}

func TestCommandClosed(t *testing.T) {
	c := NewCommand([]string{"sleep", "10"}, nil)
	c.Close()
	if err := c.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait = %v, want ErrClosed", err)
	}
}

func TestNewFallsBackToKeyboard(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		command string
		want    string
	}{
		{"keyboard", ModeKeyboard, "", "keyboard"},
		{"remote", ModeRemote, "", "remote"},
		{"acoustic without command", ModeAcoustic, "", "keyboard"},
		{"acoustic missing binary", ModeAcoustic, "no-such-wake-detector --model harry.ppn", "keyboard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.mode, Options{Command: tt.command, Input: strings.NewReader("")})
			if d.Name() != tt.want {
				t.Errorf("Name = %q, want %q", d.Name(), tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Acoustic "); err != nil || m != ModeAcoustic {
		t.Errorf("ParseMode = %q, %v", m, err)
	}
	if m, _ := ParseMode(""); m != ModeKeyboard {
		t.Errorf("empty mode = %q, want keyboard", m)
	}
	if _, err := ParseMode("picovoice"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
