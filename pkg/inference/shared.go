package inference

import (
	"context"
	"sync"
	"sync/atomic"
)

// Shared gates access to a single backend that serves both the spoken
// reply of the current turn and background insight extraction.
//
// At most Slots calls run at once. A waiting foreground call is always
// admitted before any waiting background call, so analysis never holds
// up a user who is waiting to hear a reply.
type Shared struct {
	provider Provider
	slots    int

	mu        sync.Mutex
	inUse     int
	fgWaiting int
	bgWaiting int
	changed   chan struct{}

	fgCalls   atomic.Int64
	bgCalls   atomic.Int64
	bgYielded atomic.Int64
}

// SharedStats reports gate activity.
type SharedStats struct {
	ForegroundCalls int64 `json:"foreground_calls"`
	BackgroundCalls int64 `json:"background_calls"`
	// BackgroundYields counts foreground calls admitted while at least
	// one background call was waiting.
	BackgroundYields int64 `json:"background_yields"`
}

// NewShared wraps provider. slots below 1 is treated as 1, which suits
// single-sequence local servers such as llama.cpp.
func NewShared(provider Provider, slots int) *Shared {
	if slots < 1 {
		slots = 1
	}
	return &Shared{
		provider: provider,
		slots:    slots,
		changed:  make(chan struct{}),
	}
}

// Foreground returns a view whose calls take priority.
func (s *Shared) Foreground() Provider {
	return &lane{shared: s, foreground: true}
}

// Background returns a view whose calls yield to foreground calls.
func (s *Shared) Background() Provider {
	return &lane{shared: s}
}

// Stats returns a snapshot of gate counters.
func (s *Shared) Stats() SharedStats {
	return SharedStats{
		ForegroundCalls:  s.fgCalls.Load(),
		BackgroundCalls:  s.bgCalls.Load(),
		BackgroundYields: s.bgYielded.Load(),
	}
}

func (s *Shared) acquire(ctx context.Context, foreground bool) error {
	s.mu.Lock()
	if foreground {
		s.fgWaiting++
	} else {
		s.bgWaiting++
	}
	for {
		if s.inUse < s.slots && (foreground || s.fgWaiting == 0) {
			s.inUse++
			if foreground {
				s.fgWaiting--
				if s.bgWaiting > 0 {
					s.bgYielded.Add(1)
				}
			} else {
				s.bgWaiting--
			}
			s.mu.Unlock()
			return nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.mu.Lock()
			if foreground {
				s.fgWaiting--
			} else {
				s.bgWaiting--
			}
			s.notifyLocked()
			s.mu.Unlock()
			return ctx.Err()
		case <-wait:
		}
		s.mu.Lock()
	}
}

func (s *Shared) release() {
	s.mu.Lock()
	s.inUse--
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Shared) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

type lane struct {
	shared     *Shared
	foreground bool
}

func (l *lane) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := l.shared.acquire(ctx, l.foreground); err != nil {
		return nil, err
	}
	defer l.shared.release()

	if l.foreground {
		l.shared.fgCalls.Add(1)
	} else {
		l.shared.bgCalls.Add(1)
	}
	return l.shared.provider.Chat(ctx, req)
}

func (l *lane) Capabilities() Capabilities {
	return l.shared.provider.Capabilities()
}

func (l *lane) Health(ctx context.Context) error {
	return l.shared.provider.Health(ctx)
}

// Close is a no-op; the owner of the Shared closes the backend.
func (l *lane) Close() error {
	return nil
}

var _ Provider = (*lane)(nil)
