// Package commands implements the companion CLI.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-companion/internal/config"
	"github.com/teslashibe/go-companion/internal/log"
)

var (
	configFile string
	envFile    string
	logLevel   string
)

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "companion",
		Short: "Voice companion that remembers past conversations",
		Long: `Companion listens after a wake trigger, transcribes what was said,
answers out loud and keeps every turn on disk. In the background it
analyzes each turn (topics, emotion, sentiment, engagement) and feeds a
short memory of recent conversations into the next reply.

Configuration comes from companion.toml, a .env file and COMPANION_*
environment variables, in increasing order of precedence.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (default: ./companion.toml or the user config dir)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		NewRunCmd(),
		NewAnalyzeCmd(),
		NewContextCmd(),
		NewSummaryCmd(),
		NewMCPCmd(),
		NewConfigCmd(),
		NewVersionCmd(),
	)
	return cmd
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log.Init(cfg.Log.Level)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
