package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-companion/pkg/protocol"
)

// Detector blocks until the user wakes the assistant.
type Detector interface {
	Wait(ctx context.Context) error
	Name() string
}

// Run is the wake loop: wait for a wake, run a turn, repeat. A wake that
// arrives while a remote trigger already started a turn is dropped. Run
// returns when ctx is done or the detector fails.
func (c *Controller) Run(ctx context.Context, d Detector) error {
	c.SetWakeName(d.Name())
	c.logger.Info("wake loop started", "detector", d.Name())
	defer c.logger.Info("wake loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		res, err := c.RunTurn(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			c.logger.Debug("wake ignored, turn in flight")
		case errors.Is(err, ErrCancelled):
		case err != nil:
			return err
		default:
			c.logger.Debug("turn ended", "outcome", string(res.Outcome))
		}
	}
}

// Service runs a Controller's wake loop in the background so it can be
// started and stopped at runtime.
type Service struct {
	ctrl     *Controller
	detector Detector
	logger   *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewService creates a stopped service.
func NewService(ctrl *Controller, d Detector) *Service {
	return &Service{
		ctrl:     ctrl,
		detector: d,
		logger:   ctrl.logger.With("component", "session.service"),
	}
}

// Controller returns the underlying controller.
func (s *Service) Controller() *Controller {
	return s.ctrl
}

// Start launches the wake loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = done
	s.lastErr = nil

	go func() {
		defer close(done)
		err := s.ctrl.Run(runCtx, s.detector)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("wake loop failed", "error", err)
		}

		s.mu.Lock()
		if s.done == done {
			s.cancel = nil
			s.runCtx = nil
			s.lastErr = err
		}
		s.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop abandons the in-flight turn and stops the wake loop. It waits for
// the loop to exit or ctx to expire. Stopping a service whose loop is not
// running still cancels a turn started by Wake.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	cancelled := s.ctrl.Cancel()
	if cancel == nil {
		if cancelled {
			return nil
		}
		return ErrNotRunning
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake starts a turn without waiting for the detector. The turn belongs
// to the running loop, so Stop abandons it. It returns ErrBusy while
// another turn is in flight.
func (s *Service) Wake() error {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return s.ctrl.Wake(ctx)
}

// Stats returns the controller's counters.
func (s *Service) Stats() Stats {
	return s.ctrl.Stats()
}

// Cancel abandons the turn in flight without stopping the loop. It
// reports whether there was a turn to cancel.
func (s *Service) Cancel() bool {
	return s.ctrl.Cancel()
}

// State returns the coarse state shown to observers.
func (s *Service) State() protocol.State {
	return s.ctrl.State().Observer()
}

// Running reports whether the wake loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Err returns the error that ended the last loop, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
