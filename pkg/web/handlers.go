package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/insight"
	"github.com/teslashibe/go-companion/pkg/memory"
	"github.com/teslashibe/go-companion/pkg/session"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Running       bool           `json:"running"`
	Session       session.Stats  `json:"session"`
	Analysis      *insight.Stats `json:"analysis,omitempty"`
	Turns         int            `json:"turns"`
	Observers     int            `json:"observers"`
	SpooledClips  int            `json:"spooledClips"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
}

// TurnResponse is a persisted turn with its analysis state.
type TurnResponse struct {
	conversation.Metadata
	AnalysisStatus conversation.AnalysisStatus `json:"analysis_status"`
}

// handleError renders errors as {"error": "..."} with a status code that
// matches the error kind.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, conversation.ErrTurnNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidTurnID):
		code = fiber.StatusBadRequest
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning):
		code = fiber.StatusConflict
	case errors.Is(err, conversation.ErrStorage):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	resp := StatusResponse{
		Running:       s.deps.Session.Running(),
		Session:       s.deps.Session.Stats(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Analysis != nil {
		st := s.deps.Analysis.Stats()
		resp.Analysis = &st
	}
	if s.deps.Events != nil {
		resp.Observers = s.deps.Events.ClientCount()
	}
	if s.deps.Spool != nil {
		resp.SpooledClips = s.deps.Spool.Len()
	}
	n, err := s.deps.Turns.Count(ctx)
	if err != nil {
		s.logger.Warn("turn count unavailable", "error", err)
	}
	resp.Turns = n
	return c.JSON(resp)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	if err := s.deps.Session.Start(s.base); err != nil {
		return err
	}
	s.logger.Info("session started over HTTP")
	return c.JSON(fiber.Map{"running": true})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.deps.Session.Stop(ctx); err != nil {
		return err
	}
	s.logger.Info("session stopped over HTTP")
	return c.JSON(fiber.Map{"running": s.deps.Session.Running()})
}

func (s *Server) handleWake(c *fiber.Ctx) error {
	if err := s.deps.Session.Wake(); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"woke": true})
}

func (s *Server) handleListTurns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", s.cfg.DefaultLimit)
	if limit <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	ctx := c.UserContext()
	turns, err := s.deps.Turns.ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	out := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, s.turnResponse(ctx, t))
	}
	return c.JSON(out)
}

func (s *Server) turnResponse(ctx context.Context, t *conversation.Turn) TurnResponse {
	status, err := s.deps.Turns.AnalysisStatus(ctx, t.ID)
	if err != nil {
		s.logger.Warn("analysis status unavailable", "turn", t.ID.String(), "error", err)
	}
	return TurnResponse{Metadata: conversation.NewMetadata(t, ""), AnalysisStatus: status}
}

func (s *Server) turnID(c *fiber.Ctx) (conversation.TurnID, error) {
	id, err := conversation.ParseTurnID(c.Params("id"))
	if err != nil {
		return conversation.TurnID{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return id, nil
}

func (s *Server) handleGetTurn(c *fiber.Ctx) error {
	id, err := s.turnID(c)
	if err != nil {
		return err
	}
	t, err := s.deps.Turns.Load(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(s.turnResponse(c.UserContext(), t))
}

func (s *Server) handleGetInsight(c *fiber.Ctx) error {
	id, err := s.turnID(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	ins, ok, err := s.deps.Turns.LoadInsight(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		status, err := s.deps.Turns.AnalysisStatus(ctx, id)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":           "no insight for " + id.String(),
			"analysis_status": status,
		})
	}
	return c.JSON(ins)
}

func (s *Server) handleContext(c *fiber.Ctx) error {
	if s.deps.Context == nil {
		return c.JSON(memory.EmptySnapshot())
	}
	snap, err := s.deps.Context.Snapshot(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	sum, err := memory.Summarize(c.UserContext(), s.deps.Turns, memory.SummaryOptions{
		ChildID: c.Query("child"),
		Recent:  c.QueryInt("recent", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(sum)
}

func (s *Server) handleAudio(c *fiber.Ctx) error {
	if s.deps.Spool == nil {
		return fiber.ErrNotFound
	}
	audio, ok := s.deps.Spool.Get(c.Params("key"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "audio expired or unknown")
	}
	c.Set(fiber.HeaderContentType, contentType(audio.Encoding))
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(audio.Data)
}
