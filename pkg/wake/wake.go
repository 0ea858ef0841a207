// Package wake provides the signals that start a turn.
//
// A Detector blocks in Wait until the user asks for attention. Three
// detectors exist: Keyboard (a newline on a reader, the development
// fallback), Command (an external acoustic wake-word process printing one
// line per detection) and Trigger (fired programmatically by the remote
// control surface and tests).
package wake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Mode selects a detector.
type Mode string

const (
	ModeKeyboard Mode = "keyboard"
	ModeAcoustic Mode = "acoustic"
	ModeRemote   Mode = "remote"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeKeyboard, ModeAcoustic, ModeRemote:
		return m, nil
	case "":
		return ModeKeyboard, nil
	default:
		return "", fmt.Errorf("wake: unknown mode %q", s)
	}
}

// Errors returned by detectors.
var (
	ErrClosed = errors.New("wake: detector closed")
	ErrExited = errors.New("wake: detector process exited")
)

// Detector blocks until the next wake signal.
type Detector interface {
	// Wait returns nil on a wake, ctx.Err() on cancellation, or an error
	// when the detector can produce no more signals.
	Wait(ctx context.Context) error

	// Name identifies the detector in persisted turns.
	Name() string
}

// Options configures New.
type Options struct {
	// Command is the acoustic detector command line.
	Command string

	// Input is read by the keyboard detector. Defaults to os.Stdin.
	Input io.Reader

	// Prompt is written before each keyboard wait. Nil disables it.
	Prompt io.Writer

	Logger *slog.Logger
}

// New creates the detector for mode. The acoustic mode falls back to the
// keyboard when its command is missing or not installed.
func New(mode Mode, opts Options) Detector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "wake")

	keyboard := func() Detector {
		in := opts.Input
		if in == nil {
			in = os.Stdin
		}
		return NewKeyboard(in, opts.Prompt)
	}

	switch mode {
	case ModeRemote:
		return NewTrigger()
	case ModeAcoustic:
		argv := strings.Fields(opts.Command)
		if len(argv) == 0 {
			logger.Warn("no wake word command configured, using keyboard fallback (press ENTER to activate)")
			return keyboard()
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			logger.Warn("wake word detector not found, using keyboard fallback (press ENTER to activate)",
				"command", argv[0], "error", err)
			return keyboard()
		}
		return NewCommand(argv, logger)
	default:
		return keyboard()
	}
}

// Keyboard wakes on each line read from its input.
type Keyboard struct {
	prompt io.Writer

	once  sync.Once
	in    io.Reader
	lines chan struct{}
	err   error
}

// NewKeyboard creates a keyboard detector reading from in.
func NewKeyboard(in io.Reader, prompt io.Writer) *Keyboard {
	return &Keyboard{in: in, prompt: prompt, lines: make(chan struct{})}
}

// Name returns "keyboard".
func (k *Keyboard) Name() string { return "keyboard" }

// Wait blocks until a line is read.
func (k *Keyboard) Wait(ctx context.Context) error {
	k.once.Do(func() { go k.scan() })
	if k.prompt != nil {
		fmt.Fprint(k.prompt, "Press ENTER to activate...")
	}
	select {
	case _, ok := <-k.lines:
		if !ok {
			return k.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scan reads lines forever; a blocked read cannot be interrupted, so one
// goroutine serves every Wait.
func (k *Keyboard) scan() {
	sc := bufio.NewScanner(k.in)
	for sc.Scan() {
		k.lines <- struct{}{}
	}
	k.err = sc.Err()
	if k.err == nil {
		k.err = io.EOF
	}
	close(k.lines)
}

// Command runs an acoustic wake-word process and wakes on every line it
// prints. The process starts on the first Wait and runs until Close.
type Command struct {
	argv   []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	lines  chan string
	err    error
	closed bool
}

// NewCommand creates a command detector for argv.
func NewCommand(argv []string, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{argv: argv, logger: logger}
}

// Name returns "acoustic".
func (c *Command) Name() string { return "acoustic" }

func (c *Command) start() (chan string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.lines != nil {
		return c.lines, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("wake: start %s: %w", c.argv[0], err)
	}

	c.cmd = cmd
	c.cancel = cancel
	c.lines = make(chan string)
	go c.scan(ctx, stdout, c.lines)

	c.logger.Info("wake word detector started", "command", c.argv[0])
	return c.lines, nil
}

func (c *Command) scan(ctx context.Context, stdout io.Reader, lines chan string) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		select {
		case lines <- strings.TrimSpace(sc.Text()):
		case <-ctx.Done():
		}
	}
	err := c.cmd.Wait()

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrExited, err)
	c.mu.Unlock()
	close(lines)
}

// Wait blocks until the process reports a detection.
func (c *Command) Wait(ctx context.Context) error {
	lines, err := c.start()
	if err != nil {
		return err
	}
	select {
	case line, ok := <-lines:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.err
		}
		c.logger.Debug("wake word detected", "output", line)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the detector process.
func (c *Command) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Trigger wakes when Fire is called.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates a trigger detector.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Name returns "remote".
func (t *Trigger) Name() string { return "remote" }

// Fire signals a wake. It reports false when a wake is already pending.
func (t *Trigger) Fire() bool {
	select {
	case t.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Wait blocks until Fire is called.
func (t *Trigger) Wait(ctx context.Context) error {
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ Detector = (*Keyboard)(nil)
	_ Detector = (*Command)(nil)
	_ Detector = (*Trigger)(nil)
)
