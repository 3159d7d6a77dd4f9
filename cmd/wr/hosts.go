package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/watchrelay/watchrelay/internal/bridge"
	"github.com/watchrelay/watchrelay/internal/device"
	"github.com/watchrelay/watchrelay/internal/hub"
	"github.com/watchrelay/watchrelay/internal/opener"
	"github.com/watchrelay/watchrelay/internal/status"
)

// ---------------------------------------------------------------------------
// hubCmd
// ---------------------------------------------------------------------------

func hubCmd() *cobra.Command {
	var (
		listen     string
		noActivity bool
	)

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the session hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Hub.Listen = listen
			}

			ctx, cancel := signalContext("hub")
			defer cancel()

			return hub.Run(ctx, hub.Config{
				ListenAddr:        cfg.Hub.Listen,
				DataDir:           dataDir(),
				Activity:          cfg.Hub.Activity && !noActivity,
				ActivityRetention: cfg.Hub.ActivityRetention.Duration,
				RateLimit:         cfg.Hub.RateLimit,
				RateBurst:         cfg.Hub.RateBurst,
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from config, :3000)")
	cmd.Flags().BoolVar(&noActivity, "no-activity", false, "Do not record the activity log")
	return cmd
}

// ---------------------------------------------------------------------------
// bridgeCmd
// ---------------------------------------------------------------------------

func bridgeCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "bridge [origin]",
		Short: "Relay between the device host's socket and a native-messaging extension on stdio",
		// Browsers append the caller origin (and on some platforms a window
		// handle) to the native host's arguments.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if socket != "" {
				cfg.Device.SocketPath = socket
			}

			ctx, cancel := signalContext("bridge")
			defer cancel()

			err = bridge.Run(ctx, bridge.Config{
				SocketPath: cfg.Device.SocketPath,
				Stdin:      os.Stdin,
				Stdout:     os.Stdout,
			})
			if errors.Is(err, bridge.ErrConnect) {
				return &exitError{code: 1, err: err}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Local socket path (default from config)")
	return cmd
}

// ---------------------------------------------------------------------------
// deviceCmd
// ---------------------------------------------------------------------------

func deviceCmd() *cobra.Command {
	var (
		socket   string
		downlink string
		prefix   string
	)

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the controlled-device host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if socket != "" {
				cfg.Device.SocketPath = socket
			}
			if downlink != "" {
				cfg.Device.Downlink = downlink
			}
			if prefix != "" {
				cfg.Device.URLPrefix = prefix
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(dataDir(), 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			ctx, cancel := signalContext("device")
			defer cancel()

			fmt.Fprintf(os.Stderr, "[device] hub %s, socket %s (%s)\n", cfg.HubURL, cfg.Device.SocketPath, cfg.Device.Downlink)
			host := device.New(device.Config{
				HubURL:        cfg.HubURL,
				Policy:        cfg.ReconnectPolicy(),
				SocketPath:    cfg.Device.SocketPath,
				URLPrefix:     cfg.Device.URLPrefix,
				Downlink:      cfg.Device.Downlink,
				DownlinkRetry: cfg.Device.DownlinkRetry.Duration,
				Opener:        opener.Parse(cfg.Device.OpenCommand),
				Sink:          status.NewWriter(os.Stderr, "device"),
			})
			return host.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Local socket path (default from config)")
	cmd.Flags().StringVar(&downlink, "downlink", "", "Downlink mode: attach or dial (default from config)")
	cmd.Flags().StringVar(&prefix, "url-prefix", "", "Only open locators starting with this prefix")
	return cmd
}
