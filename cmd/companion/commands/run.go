package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/log"
	"github.com/teslashibe/go-companion/pkg/assistant"
)

var (
	runWake  string
	runNoWeb bool
	runChild string
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the companion",
		Long: `Start the wake loop, background analysis and, unless disabled, the
HTTP API with its /ws/events and /ws/control websockets.

Press ENTER to talk when the keyboard wake mode is active.`,
		Example: `  companion run
  companion run --wake acoustic
  companion run --wake remote --child maya
  companion run --no-web`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().StringVar(&runWake, "wake", "", "Override wake.mode (keyboard, acoustic, remote)")
	cmd.Flags().BoolVar(&runNoWeb, "no-web", false, "Disable the HTTP API")
	cmd.Flags().StringVar(&runChild, "child", "", "Override profile.child_id")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWake != "" {
		cfg.Wake.Mode = runWake
	}
	if runNoWeb {
		cfg.Web.Enabled = false
	}
	if runChild != "" {
		cfg.Profile.ChildID = runChild
	}

	app, err := assistant.New(cfg,
		assistant.WithLogger(log.L()),
		assistant.WithPrompt(os.Stdout),
	)
	if err != nil {
		return fmt.Errorf("starting companion: %w", err)
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if cfg.Web.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Companion API on %s\n", cfg.Web.Addr)
	}
	return app.Run(ctx)
}
