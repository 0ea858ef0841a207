package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/log"
	"github.com/teslashibe/go-companion/pkg/assistant"
	"github.com/teslashibe/go-companion/pkg/inference"
	"github.com/teslashibe/go-companion/pkg/insight"
)

var (
	analyzeRetryFailed bool
	analyzeWatch       time.Duration
)

// NewAnalyzeCmd creates the analyze command.
func NewAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze turns that have no insight yet",
		Long: `Queue every persisted turn without an insight for analysis and wait
until the queue is empty. Use this after running with analysis disabled
or after an interrupted run.

--retry-failed also clears failure markers and analyzes those turns
again. --watch keeps scanning on the given interval until interrupted.`,
		Example: `  companion analyze
  companion analyze --retry-failed
  companion analyze --watch 30s`,
		Args: cobra.NoArgs,
		RunE: runAnalyze,
	}

	cmd.Flags().BoolVar(&analyzeRetryFailed, "retry-failed", false, "Also retry turns whose analysis failed")
	cmd.Flags().DurationVar(&analyzeWatch, "watch", 0, "Keep scanning for new turns on this interval")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.L()

	store, err := assistant.OpenStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	provider, err := assistant.NewProvider(cfg.LLM, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	extractor, err := insight.New(store, inference.NewShared(provider, cfg.Analysis.Workers).Background(),
		insight.WithWorkers(cfg.Analysis.Workers),
		insight.WithQueueSize(cfg.Analysis.QueueSize),
		insight.WithTimeout(cfg.Analysis.Timeout),
		insight.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer extractor.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	extractor.Start(ctx)
	backfill := insight.NewBackfill(store, extractor, logger)

	if analyzeRetryFailed {
		n, err := backfill.RetryFailed(ctx)
		if err != nil {
			return fmt.Errorf("retrying failed turns: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d failed turns\n", n)
	}

	if analyzeWatch > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Watching for unanalyzed turns every %s\n", analyzeWatch)
		if err := backfill.Watch(ctx, analyzeWatch); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		n, err := backfill.Run(ctx)
		if err != nil {
			return fmt.Errorf("queueing turns: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d turns\n", n)
		if err := extractor.Drain(ctx); err != nil {
			return err
		}
	}

	st := extractor.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Done: %d  Failed: %d  Skipped: %d  Dropped: %d\n",
		st.Done, st.Failed, st.Skipped, st.Dropped)
	return nil
}
