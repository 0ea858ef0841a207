package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/memory"
)

// Bounds for recent_turns.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Handlers implements the tool calls.
type Handlers struct {
	turns   Turns
	context ContextSource
	logger  *slog.Logger
}

// NewHandlers creates tool handlers. A nil ctxSrc makes
// conversation_context report an empty snapshot.
func NewHandlers(turns Turns, ctxSrc ContextSource, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		turns:   turns,
		context: ctxSrc,
		logger:  logger.With("component", "mcpserver.handlers"),
	}
}

// TurnView is a turn as returned by recent_turns.
type TurnView struct {
	ID             conversation.TurnID         `json:"id"`
	StartedAt      string                      `json:"started_at"`
	UserQuery      string                      `json:"user_query"`
	Response       string                      `json:"response"`
	Emotion        string                      `json:"emotion,omitempty"`
	ChildID        string                      `json:"child_id,omitempty"`
	AnalysisStatus conversation.AnalysisStatus `json:"analysis_status"`
}

// RecentTurns handles the recent_turns tool.
func (h *Handlers) RecentTurns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", DefaultLimit)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	turns, err := h.turns.ListRecent(ctx, limit)
	if err != nil {
		h.logger.Error("list recent turns", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list turns: %v", err)), nil
	}

	views := make([]TurnView, 0, len(turns))
	for _, t := range turns {
		v := TurnView{
			ID:        t.ID,
			StartedAt: t.StartedAt.Format("2006-01-02 15:04:05"),
			UserQuery: t.Transcript,
			Response:  t.Response,
			ChildID:   t.Profile.ChildID,
		}
		if t.Emotion != nil {
			v.Emotion = t.Emotion.Label
		}
		v.AnalysisStatus, err = h.turns.AnalysisStatus(ctx, t.ID)
		if err != nil {
			h.logger.Warn("analysis status unavailable", "turn_id", t.ID.String(), "error", err)
		}
		views = append(views, v)
	}
	return jsonResult(map[string]any{"turns": views, "count": len(views)})
}

// TurnInsight handles the turn_insight tool.
func (h *Handlers) TurnInsight(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id argument is required and must be a string"), nil
	}
	id, err := conversation.ParseTurnID(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if _, err := h.turns.Load(ctx, id); err != nil {
		if errors.Is(err, conversation.ErrTurnNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no turn %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load turn: %v", err)), nil
	}

	ins, ok, err := h.turns.LoadInsight(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load insight: %v", err)), nil
	}
	if !ok {
		status, err := h.turns.AnalysisStatus(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read analysis status: %v", err)), nil
		}
		return jsonResult(map[string]any{"id": id, "analysis_status": status})
	}
	return jsonResult(ins)
}

// ConversationContext handles the conversation_context tool.
func (h *Handlers) ConversationContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.context == nil {
		return jsonResult(memory.EmptySnapshot())
	}
	snap, err := h.context.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build context: %v", err)), nil
	}
	return jsonResult(snap)
}

// ConversationSummary handles the conversation_summary tool.
func (h *Handlers) ConversationSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := memory.Summarize(ctx, h.turns, memory.SummaryOptions{
		ChildID: request.GetString("child_id", ""),
		Recent:  request.GetInt("recent", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to summarize: %v", err)), nil
	}
	return jsonResult(sum)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
