package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/log"
	"github.com/teslashibe/go-companion/pkg/assistant"
	"github.com/teslashibe/go-companion/pkg/memory"
)

var contextJSON bool

// NewContextCmd creates the context command.
func NewContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show the memory given to the next reply",
		Long: `Build the context snapshot from the most recent analyzed turns, the
same text the companion prefixes to the next generation prompt.`,
		Example: `  companion context
  companion context --json`,
		Args: cobra.NoArgs,
		RunE: runContext,
	}
	cmd.Flags().BoolVar(&contextJSON, "json", false, "Print the full snapshot as JSON")
	return cmd
}

func runContext(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
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
	snap, err := agg.Snapshot(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if contextJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if snap.Empty() {
		fmt.Fprintln(out, "No analyzed conversations yet.")
		return nil
	}
	fmt.Fprintln(out, snap.Text)
	return nil
}
