package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/log"
	"github.com/teslashibe/go-companion/pkg/assistant"
	"github.com/teslashibe/go-companion/pkg/memory"
)

var (
	summaryChild  string
	summaryRecent int
	summaryOut    string
)

// NewSummaryCmd creates the summary command.
func NewSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize every analyzed conversation",
		Long: `Aggregate all stored insights into long-range statistics: top topics
and phrases, emotion counts, engagement, breakthroughs and a daily
timeline. The summary is printed as JSON or written to --out.`,
		Example: `  companion summary
  companion summary --child maya --recent 10
  companion summary --out summary.json`,
		Args: cobra.NoArgs,
		RunE: runSummary,
	}
	cmd.Flags().StringVar(&summaryChild, "child", "", "Only include this child's conversations")
	cmd.Flags().IntVar(&summaryRecent, "recent", 0, "Number of recent conversations to list (default 5)")
	cmd.Flags().StringVarP(&summaryOut, "out", "o", "", "Write the summary to this file")
	return cmd
}

func runSummary(cmd *cobra.Command, args []string) error {
	if summaryRecent < 0 {
		return fmt.Errorf("--recent must not be negative, got %d", summaryRecent)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := assistant.OpenStore(cfg.Store, log.L())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	sum, err := memory.Summarize(cmd.Context(), store, memory.SummaryOptions{
		ChildID: summaryChild,
		Recent:  summaryRecent,
	})
	if err != nil {
		return err
	}

	if summaryOut != "" {
		if err := memory.NewJSONFile(summaryOut).Save(sum); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d conversations)\n", summaryOut, sum.Totals.Conversations)
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
