// Package mcpserver exposes the conversation archive and memory views as
// Model Context Protocol tools, so external agents can read what the
// companion remembers.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/memory"
)

// Name and Version identify the server to MCP clients.
const (
	Name    = "companion-memory"
	Version = "0.1.0"
)

// Turns is the read side of the conversation store.
type Turns interface {
	Load(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error)
	ListRecent(ctx context.Context, limit int) ([]*conversation.Turn, error)
	LoadInsight(ctx context.Context, id conversation.TurnID) (*conversation.Insight, bool, error)
	AnalysisStatus(ctx context.Context, id conversation.TurnID) (conversation.AnalysisStatus, error)
}

// ContextSource builds memory snapshots.
type ContextSource interface {
	Snapshot(ctx context.Context) (*memory.Snapshot, error)
}

// New builds an MCP server with every tool registered.
func New(turns Turns, ctxSrc ContextSource, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(Name, Version)
	RegisterTools(s, NewHandlers(turns, ctxSrc, logger))
	return s
}

// RegisterTools adds the companion tools to s.
func RegisterTools(s *server.MCPServer, h *Handlers) {
	s.AddTool(mcp.Tool{
		Name:        "recent_turns",
		Description: "List the most recent conversation turns, newest first, with what the user said, the reply and whether analysis finished.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"limit": map[string]any{
					"type":        "number",
					"description": "Maximum number of turns to return (default: 10, max: 100)",
					"default":     DefaultLimit,
				},
			},
		},
	}, h.RecentTurns)

	s.AddTool(mcp.Tool{
		Name:        "turn_insight",
		Description: "Get the structured analysis of one turn: topics, emotion, sentiment, engagement and flags.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Turn id in YYYYMMDD-NNNN form",
				},
			},
			Required: []string{"id"},
		},
	}, h.TurnInsight)

	s.AddTool(mcp.Tool{
		Name:        "conversation_context",
		Description: "Get the condensed memory of recent conversations that is given to the assistant before each reply.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, h.ConversationContext)

	s.AddTool(mcp.Tool{
		Name:        "conversation_summary",
		Description: "Get long-range statistics over every analyzed conversation: top topics, emotions, engagement and a daily timeline.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"child_id": map[string]any{
					"type":        "string",
					"description": "Restrict the summary to one child",
				},
				"recent": map[string]any{
					"type":        "number",
					"description": "Number of recent conversations to include (default: 5)",
					"default":     5,
				},
			},
		},
	}, h.ConversationSummary)
}

// ServeStdio serves s on stdin and stdout until ctx is done or the client
// disconnects. Logs must not go to stdout while it runs.
func ServeStdio(ctx context.Context, s *server.MCPServer) error {
	errc := make(chan error, 1)
	go func() {
		errc <- server.ServeStdio(s)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}
