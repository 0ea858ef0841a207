package audioio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Player plays encoded audio and returns when playback ends.
type Player interface {
	Play(ctx context.Context, audio conversation.Audio) error
	Name() string
}

// CommandPlayer plays audio through an external program. The audio is
// piped to stdin unless an argument is "{file}", in which case it is
// written to a temporary file first.
type CommandPlayer struct {
	argv   []string
	logger *slog.Logger
}

// NewCommandPlayer creates a player for command, or the platform default
// (aplay, afplay) when command is empty.
func NewCommandPlayer(command string, logger *slog.Logger) *CommandPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		argv = PlayerCommand()
	}
	return &CommandPlayer{
		argv:   argv,
		logger: logger.With("component", "audioio.player"),
	}
}

// Name returns the player program.
func (p *CommandPlayer) Name() string {
	return p.argv[0]
}

// Play runs the player and blocks until it exits. Cancelling ctx kills it.
func (p *CommandPlayer) Play(ctx context.Context, audio conversation.Audio) error {
	if audio.Empty() {
		return nil
	}

	argv := slices.Clone(p.argv)
	var stdin *bytes.Reader
	if i := slices.Index(argv, "{file}"); i >= 0 {
		path, err := writeTemp(audio)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		argv[i] = path
	} else {
		stdin = bytes.NewReader(audio.Data)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("audioio: %s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	p.logger.Debug("played", "bytes", len(audio.Data), "encoding", audio.Encoding)
	return nil
}

func writeTemp(audio conversation.Audio) (string, error) {
	ext := audio.Encoding
	if ext == "" {
		ext = "wav"
	}
	f, err := os.CreateTemp("", "companion-*."+ext)
	if err != nil {
		return "", fmt.Errorf("audioio: temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(audio.Data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("audioio: temp file: %w", err)
	}
	return f.Name(), nil
}

// MockPlayer records played audio for testing.
type MockPlayer struct {
	// PlayFunc is called if set; otherwise Play succeeds immediately.
	PlayFunc func(ctx context.Context, audio conversation.Audio) error

	mu     sync.Mutex
	played []conversation.Audio
}

// NewMockPlayer creates a mock player.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{}
}

// Name returns "mock".
func (m *MockPlayer) Name() string {
	return "mock"
}

// Play records the audio.
func (m *MockPlayer) Play(ctx context.Context, audio conversation.Audio) error {
	m.mu.Lock()
	m.played = append(m.played, audio)
	fn := m.PlayFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio)
	}
	return nil
}

// Played returns everything played so far.
func (m *MockPlayer) Played() []conversation.Audio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.played)
}

// Ensure the players implement Player.
var (
	_ Player = (*CommandPlayer)(nil)
	_ Player = (*MockPlayer)(nil)
)
