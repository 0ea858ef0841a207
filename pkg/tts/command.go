package tts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Command implements Provider with a local speech engine.
//
//	piper --model en_US-amy-medium.onnx --output_file {file}
//	espeak-ng --stdout {text}
type Command struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand creates a local engine provider from WithCommand.
func NewCommand(opts ...Option) (*Command, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return &Command{
		argv:    argv,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "tts.command"),
	}, nil
}

// Name returns the engine program name.
func (c *Command) Name() string {
	return filepath.Base(c.argv[0])
}

// Synthesize runs the engine once and returns its WAV output.
func (c *Command) Synthesize(ctx context.Context, text string) (conversation.Audio, error) {
	name := c.Name()
	if err := checkText(name, text); err != nil {
		return conversation.Audio{}, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()

	argv := slices.Clone(c.argv)
	useStdin := true
	outPath := ""
	for i, a := range argv {
		switch {
		case a == "{file}":
			if outPath == "" {
				dir, err := os.MkdirTemp("", "companion-tts-*")
				if err != nil {
					return conversation.Audio{}, WrapError(name, err)
				}
				defer os.RemoveAll(dir)
				outPath = filepath.Join(dir, "speech.wav")
			}
			argv[i] = outPath
		case strings.Contains(a, "{text}"):
			argv[i] = strings.ReplaceAll(a, "{text}", text)
			useStdin = false
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if useStdin {
		cmd.Stdin = strings.NewReader(text)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return conversation.Audio{}, ctx.Err()
		}
		return conversation.Audio{}, WrapError(name, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	data := stdout.Bytes()
	if outPath != "" {
		var err error
		if data, err = os.ReadFile(outPath); err != nil {
			return conversation.Audio{}, WrapError(name, fmt.Errorf("read output: %w", err))
		}
	}

	audio, err := wavAudio(name, data)
	if err != nil {
		return conversation.Audio{}, err
	}
	c.logger.Debug("synthesis complete",
		"chars", len(text),
		"bytes", len(data),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return audio, nil
}

// Health reports whether the engine is installed.
func (c *Command) Health(ctx context.Context) error {
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return WrapError(c.Name(), err)
	}
	return nil
}

// Close releases resources.
func (c *Command) Close() error {
	return nil
}

// Verify Command implements Provider at compile time.
var _ Provider = (*Command)(nil)
