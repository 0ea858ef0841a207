package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/log"
	"github.com/teslashibe/go-companion/pkg/assistant"
	"github.com/teslashibe/go-companion/pkg/mcpserver"
	"github.com/teslashibe/go-companion/pkg/memory"
)

// NewMCPCmd creates the mcp command.
func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the conversation archive to MCP clients",
		Long: `Run a Model Context Protocol server on stdio exposing the tools
recent_turns, turn_insight, conversation_context and
conversation_summary. Logs go to stderr.`,
		Example: `  companion mcp

  # claude_desktop_config.json:
  # {
  #   "mcpServers": {
  #     "companion": {"command": "companion", "args": ["mcp"]}
  #   }
  # }`,
		Args: cobra.NoArgs,
		RunE: runMCP,
	}
}

func runMCP(cmd *cobra.Command, args []string) error {
	log.SetOutput(os.Stderr)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.Component("mcp")

	store, err := assistant.OpenStore(cfg.Store, log.L())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	agg := memory.NewAggregator(store,
		memory.WithLimit(cfg.Context.Window),
		memory.WithScanLimit(cfg.Context.ScanLimit),
		memory.WithThreshold(cfg.Context.TrendThreshold),
		memory.WithMaxChars(cfg.Context.MaxChars),
		memory.WithLogger(log.L()),
	)
	server := mcpserver.New(store, agg, log.L())

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Info("MCP server starting on stdio", "store", cfg.Store.Backend)
	if err := mcpserver.ServeStdio(ctx, server); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("MCP server stopped")
	return nil
}
