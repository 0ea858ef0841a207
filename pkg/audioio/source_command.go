package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// ErrNoRecorder is returned when no recorder command is configured.
var ErrNoRecorder = errors.New("audioio: no recorder command")

// CommandSource captures audio from an external recorder process that
// writes raw little-endian PCM16 to stdout, such as arecord or sox.
// The process runs only between Start and Stop.
type CommandSource struct {
	cfg    Config
	argv   []string
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	cancel   context.CancelFunc
	done     chan struct{}

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
}

// NewCommandSource creates a command source for cfg.
func NewCommandSource(cfg Config, logger *slog.Logger) (*CommandSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	argv := RecorderCommand(cfg)
	if len(argv) == 0 {
		return nil, ErrNoRecorder
	}

	closedCh := make(chan AudioChunk)
	close(closedCh)

	s := &CommandSource{
		cfg:      cfg,
		argv:     argv,
		logger:   logger.With("component", "audioio.command"),
		streamCh: closedCh,
	}

	s.logger.Info("command source created",
		"command", argv[0],
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	return s, nil
}

// Start launches the recorder process.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if s.cancel != nil {
		s.cancel() // previous recorder exited on its own
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("audioio: recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("audioio: start %s: %w", s.argv[0], err)
	}

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 10)

	go s.captureLoop(pctx, cmd, stdout, s.streamCh, s.done)

	s.logger.Debug("recorder started", "pid", cmd.Process.Pid)
	return nil
}

// captureLoop owns streamCh and closes it when the process exits.
func (s *CommandSource) captureLoop(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, streamCh chan AudioChunk, done chan struct{}) {
	defer close(done)
	defer close(streamCh)

	buf := make([]byte, s.cfg.BufferBytes())
	for {
		n, err := io.ReadFull(stdout, buf)
		if n >= 2 {
			var chunk AudioChunk
			chunk.FromBytes(buf[:n-n%2], s.cfg.SampleRate, s.cfg.Channels)
			select {
			case streamCh <- chunk:
				s.chunksRead.Add(1)
				s.samplesRead.Add(int64(len(chunk.Samples)))
			case <-ctx.Done():
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("recorder read failed", "error", err)
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		s.logger.Warn("recorder exited", "error", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop terminates the recorder process and waits for it to exit.
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Debug("recorder stopped")
	return nil
}

// Read reads the next audio chunk.
func (s *CommandSource) Read(ctx context.Context) (AudioChunk, error) {
	ch := s.Stream()
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel of the current run.
func (s *CommandSource) Stream() <-chan AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *CommandSource) Config() Config {
	return s.cfg
}

// Name returns "command".
func (s *CommandSource) Name() string {
	return "command"
}

// Close stops the recorder. The source cannot be restarted afterwards.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns source statistics.
func (s *CommandSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Running:     running,
		Backend:     "command",
	}
}

// Ensure CommandSource implements SourceWithStats.
var _ SourceWithStats = (*CommandSource)(nil)
