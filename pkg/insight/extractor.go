// Package insight derives a structured Insight from each persisted turn.
//
// Extraction runs on a small worker pool fed by a bounded queue of turn
// ids. Submitting never blocks the caller, submitting an id twice is a
// no-op, and every failure stays inside the worker: the turn is marked
// failed in the store and the worker moves on.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/inference"
)

// MaxWorkers caps the pool so analysis cannot monopolize a generator that
// the foreground turn also needs.
const MaxWorkers = 2

// Sentinel errors.
var (
	ErrClosed     = errors.New("insight: extractor closed")
	ErrBadWorkers = fmt.Errorf("insight: workers must be between 1 and %d", MaxWorkers)
)

// Config configures an Extractor.
type Config struct {
	// Workers is the number of concurrent extractions (1..MaxWorkers).
	Workers int

	// QueueSize bounds pending submissions. A full queue drops new ones.
	QueueSize int

	// Timeout bounds a single generator call.
	Timeout time.Duration

	// MaxTokens and Temperature are passed to the generator.
	MaxTokens   int
	Temperature float64

	Logger *slog.Logger

	// Now is the clock used for AnalyzedAt.
	Now func() time.Time
}

// Option configures an Extractor.
type Option func(*Config)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option { return func(c *Config) { c.QueueSize = n } }

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(c *Config) { c.Now = now } }

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:     1,
		QueueSize:   64,
		Timeout:     60 * time.Second,
		MaxTokens:   400,
		Temperature: 0.2,
		Logger:      slog.Default(),
		Now:         time.Now,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return ErrBadWorkers
	}
	if c.QueueSize < 1 {
		return errors.New("insight: queue size must be positive")
	}
	return nil
}

type jobState int

const (
	stateQueued jobState = iota + 1
	stateRunning
	stateDone
	stateFailed
)

// Stats is a snapshot of extractor activity.
type Stats struct {
	Queued  int   `json:"queued"`
	Running int   `json:"running"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Dropped int64 `json:"dropped"`
}

// Extractor runs insight extraction in the background.
type Extractor struct {
	store     conversation.Store
	generator inference.Provider
	cfg       *Config
	logger    *slog.Logger

	jobs chan conversation.TurnID
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	states  map[conversation.TurnID]jobState
	started bool
	closed  bool

	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	dropped   atomic.Int64
}

// New creates an Extractor. Call Start to launch the workers.
func New(store conversation.Store, generator inference.Provider, opts ...Option) (*Extractor, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		store:     store,
		generator: generator,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "insight.extractor"),
		jobs:      make(chan conversation.TurnID, cfg.QueueSize),
		done:      make(chan struct{}),
		states:    make(map[conversation.TurnID]jobState),
	}, nil
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close is called; a job already running finishes first.
func (e *Extractor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.Info("insight workers started", "workers", e.cfg.Workers, "queue", e.cfg.QueueSize)
}

// Submit queues a turn for analysis and returns immediately. It reports
// whether the id was queued; ids already queued, running or finished in
// this process are ignored, and a full queue drops the submission.
func (e *Extractor) Submit(id conversation.TurnID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if _, known := e.states[id]; known {
		return false
	}

	select {
	case e.jobs <- id:
		e.states[id] = stateQueued
		return true
	default:
		e.dropped.Add(1)
		e.logger.Warn("insight queue full, dropping turn", "turn_id", id.String())
		return false
	}
}

// Enqueue is the blocking form of Submit used by backfill: it waits for
// queue space instead of dropping.
func (e *Extractor) Enqueue(ctx context.Context, id conversation.TurnID) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if _, known := e.states[id]; known {
		e.mu.Unlock()
		return false, nil
	}
	e.states[id] = stateQueued
	e.mu.Unlock()

	select {
	case e.jobs <- id:
		return true, nil
	case <-e.done:
		e.forget(id)
		return false, ErrClosed
	case <-ctx.Done():
		e.forget(id)
		return false, ctx.Err()
	}
}

// Retry forgets a failed id so it can be queued again. It reports
// whether the id was in the failed state.
func (e *Extractor) Retry(id conversation.TurnID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.states[id] != stateFailed {
		return false
	}
	delete(e.states, id)
	return true
}

// Pending returns the number of jobs queued or running.
func (e *Extractor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.states {
		if s == stateQueued || s == stateRunning {
			n++
		}
	}
	return n
}

// Drain waits until no job is queued or running.
func (e *Extractor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for e.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns a snapshot of counters.
func (e *Extractor) Stats() Stats {
	e.mu.Lock()
	running := 0
	for _, s := range e.states {
		if s == stateRunning {
			running++
		}
	}
	e.mu.Unlock()

	return Stats{
		Queued:  len(e.jobs),
		Running: running,
		Done:    e.completed.Load(),
		Failed:  e.failed.Load(),
		Skipped: e.skipped.Load(),
		Dropped: e.dropped.Load(),
	}
}

// Close stops accepting work and waits for running jobs. Queued jobs are
// abandoned; their turns stay pending in the store for a later backfill.
func (e *Extractor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Extractor) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case id := <-e.jobs:
			e.process(ctx, id)
		}
	}
}

func (e *Extractor) setState(id conversation.TurnID, s jobState) {
	e.mu.Lock()
	e.states[id] = s
	e.mu.Unlock()
}

func (e *Extractor) forget(id conversation.TurnID) {
	e.mu.Lock()
	delete(e.states, id)
	e.mu.Unlock()
}

// process analyzes one turn. It never returns an error: every outcome is
// recorded in the store or the logs.
func (e *Extractor) process(ctx context.Context, id conversation.TurnID) {
	e.setState(id, stateRunning)
	logger := e.logger.With("turn_id", id.String())

	status, err := e.store.AnalysisStatus(ctx, id)
	if err != nil {
		logger.Error("cannot read analysis status", "error", err)
		e.forget(id)
		return
	}
	if status != conversation.AnalysisPending {
		logger.Debug("turn already analyzed", "status", status)
		e.skipped.Add(1)
		e.setState(id, stateDone)
		return
	}

	turn, err := e.store.Load(ctx, id)
	if err != nil {
		logger.Error("cannot load turn", "error", err)
		e.forget(id)
		return
	}

	start := time.Now()
	ins, err := e.extract(ctx, turn)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; leave the turn pending.
			e.forget(id)
			return
		}
		e.fail(ctx, logger, id, err)
		return
	}

	ins.ConversationID = id
	ins.AnalyzedAt = e.cfg.Now().UTC()
	ins.AnalysisLatencyMs = time.Since(start).Milliseconds()
	ins.UserID = turn.Profile.UserID
	ins.ChildID = turn.Profile.ChildID

	if err := e.store.SaveInsight(ctx, ins); err != nil {
		if errors.Is(err, conversation.ErrInsightExists) {
			logger.Debug("insight written concurrently")
			e.skipped.Add(1)
			e.setState(id, stateDone)
			return
		}
		logger.Error("cannot save insight", "error", err)
		e.forget(id)
		return
	}

	e.completed.Add(1)
	e.setState(id, stateDone)
	logger.Info("insight extracted",
		"topics", ins.Topics,
		"sentiment", ins.SentimentScore,
		"engagement", ins.EngagementLevel,
		"latency_ms", ins.AnalysisLatencyMs,
	)
}

func (e *Extractor) extract(ctx context.Context, turn *conversation.Turn) (*conversation.Insight, error) {
	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	req := Request(turn, e.generator.Capabilities().JSONMode, e.cfg.MaxTokens, e.cfg.Temperature)
	resp, err := e.generator.Chat(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return Parse(resp.Message.Content)
}

func (e *Extractor) fail(ctx context.Context, logger *slog.Logger, id conversation.TurnID, cause error) {
	var perr *ParseError
	if errors.As(cause, &perr) {
		logger.Warn("insight parse failed", "reason", perr.Reason, "raw", truncate(perr.Raw, 200))
	} else {
		logger.Warn("insight generation failed", "error", cause)
	}

	if err := e.store.MarkAnalysisFailed(ctx, id, cause.Error()); err != nil {
		logger.Error("cannot mark analysis failed", "error", err)
	}
	e.failed.Add(1)
	e.setState(id, stateFailed)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
