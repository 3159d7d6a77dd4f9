package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
)

var (
	dataDirFlag string
	hubURLFlag  string
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:           "wr",
		Short:         "Remote control for video playback on a second device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: $WATCHRELAY_DIR or ~/.watchrelay)")
	rootCmd.PersistentFlags().StringVar(&hubURLFlag, "hub-url", "", "Hub base URL (overrides hub_url in config.toml)")

	rootCmd.AddCommand(
		hubCmd(),
		bridgeCmd(),
		deviceCmd(),
		controllerCmd(),
		sendCmd(),
		statusCmd(),
		activityCmd(),
		pairCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[wr] ERROR: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	return config.DefaultDataDir()
}

// loadConfig loads config.toml, applies the global flags, and configures
// logging to stderr.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(dataDir())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if hubURLFlag != "" {
		cfg.HubURL = hubURLFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(tag string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "[%s] shutting down...\n", tag)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// ---------------------------------------------------------------------------
// initCmd
// ---------------------------------------------------------------------------

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml to the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			path := filepath.Join(dir, "config.toml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default(dir)
			if hubURLFlag != "" {
				cfg.HubURL = hubURLFlag
			}
			if err := cfg.Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[wr] wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config.toml")
	return cmd
}
