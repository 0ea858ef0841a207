// Package web serves the companion's HTTP API: session control, the turn
// archive, memory views, spooled response audio and the /ws/events stream.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/hub"
	"github.com/teslashibe/go-companion/pkg/insight"
	"github.com/teslashibe/go-companion/pkg/memory"
	"github.com/teslashibe/go-companion/pkg/session"
)

// Session is the runtime control the API drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Wake() error
	Stats() session.Stats
}

// Turns is the read side of the conversation store.
type Turns interface {
	Load(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error)
	ListRecent(ctx context.Context, limit int) ([]*conversation.Turn, error)
	LoadInsight(ctx context.Context, id conversation.TurnID) (*conversation.Insight, bool, error)
	AnalysisStatus(ctx context.Context, id conversation.TurnID) (conversation.AnalysisStatus, error)
	Count(ctx context.Context) (int, error)
}

// ContextSource builds memory snapshots.
type ContextSource interface {
	Snapshot(ctx context.Context) (*memory.Snapshot, error)
}

// AnalysisStats reports background analysis progress.
type AnalysisStats interface {
	Stats() insight.Stats
}

// Deps are the components the server exposes. Session and Turns are
// required; nil optional components disable their routes' data.
type Deps struct {
	Session  Session
	Turns    Turns
	Context  ContextSource
	Analysis AnalysisStats
	Events   *hub.Hub
	Spool    *Spool
}

// Config configures the server.
type Config struct {
	Addr string

	// DefaultLimit and MaxLimit bound GET /api/turns.
	DefaultLimit int
	MaxLimit     int

	// StopTimeout bounds how long POST /api/stop waits for the loop.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		DefaultLimit: 20,
		MaxLimit:     200,
		StopTimeout:  5 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	started time.Time

	// base is the parent context for loops started over HTTP, so they
	// outlive the request that started them.
	base context.Context
}

// NewServer creates a server. base parents the wake loop started by
// POST /api/start.
func NewServer(base context.Context, cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  cfg.Logger.With("component", "web.server"),
		started: time.Now(),
		base:    base,
	}

	app := fiber.New(fiber.Config{
		AppName:               "Companion",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/wake", s.handleWake)
	api.Get("/turns", s.handleListTurns)
	api.Get("/turns/:id", s.handleGetTurn)
	api.Get("/turns/:id/insight", s.handleGetInsight)
	api.Get("/context", s.handleContext)
	api.Get("/summary", s.handleSummary)
	api.Get("/audio/:key", s.handleAudio)

	if deps.Events != nil {
		app.Use("/ws", hub.RequireUpgrade)
		app.Get("/ws/events", deps.Events.Handler())
	}

	s.app = app
	return s
}

// App returns the underlying fiber app so other surfaces can mount routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("web API listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
