package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/watchrelay/watchrelay/internal/controller"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/status"
	"github.com/watchrelay/watchrelay/internal/terminal"
)

// sender is the part of the controller the prompt drives.
type sender interface {
	SendLocator(url string) error
	SendCommand(cmd string) error
	State() controller.State
}

const replHelp = `commands:
  url <locator>   open a video on the controlled device
  play | pause | seek_forward | seek_backward | close | stop | fullscreen
  status          show hub and device presence
  help            show this help
  quit            exit`

// runLine executes one prompt line. It returns true when the user asked to
// quit.
func runLine(s sender, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch verb := strings.ToLower(fields[0]); {
	case verb == "quit" || verb == "exit":
		return true
	case verb == "help" || verb == "?":
		fmt.Fprintln(out, replHelp)
	case verb == "status":
		st := s.State()
		fmt.Fprintln(out, status.Summary("controller", st.HubConnected, "device", st.DeviceConnected))
	case verb == "url":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: url <locator>")
			return false
		}
		err = s.SendLocator(fields[1])
	case protocol.IsExtensionCommand(verb):
		if len(fields) != 1 {
			fmt.Fprintf(out, "usage: %s\n", verb)
			return false
		}
		err = s.SendCommand(verb)
	default:
		fmt.Fprintf(out, "unknown command %q (try help)\n", fields[0])
	}
	// ErrNotReady is already reported through the status sink.
	if err != nil && !errors.Is(err, controller.ErrNotReady) {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}

// ---------------------------------------------------------------------------
// controllerCmd
// ---------------------------------------------------------------------------

func controllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the controller host with an interactive prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext("controller")
			defer cancel()

			prompt, err := terminal.NewPrompt(os.Stdin, os.Stdout, "wr> ")
			if err != nil {
				return err
			}
			defer prompt.Close()

			ctl := controller.New(controller.Config{
				HubURL: cfg.HubURL,
				Policy: cfg.ReconnectPolicy(),
				Sink:   status.NewWriter(prompt, "controller"),
			})
			runDone := make(chan struct{})
			go func() {
				defer close(runDone)
				ctl.Run(ctx)
			}()
			defer func() {
				cancel()
				<-runDone
			}()

			fmt.Fprintf(prompt, "connecting to %s\n%s\n", cfg.HubURL, replHelp)

			lines := make(chan string)
			readErr := make(chan error, 1)
			go func() {
				for {
					line, err := prompt.ReadLine()
					if err != nil {
						readErr <- err
						return
					}
					lines <- line
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-readErr:
					if err == io.EOF {
						return nil
					}
					return err
				case line := <-lines:
					if runLine(ctl, line, prompt) {
						return nil
					}
				}
			}
		},
	}
}

// ---------------------------------------------------------------------------
// sendCmd
// ---------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send (url <locator> | command <cmd>)",
		Short: "Send one locator or playback command and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, value := args[0], args[1]
			switch kind {
			case "url":
			case "command":
				if !protocol.IsExtensionCommand(value) {
					return fmt.Errorf("unknown command %q (want one of %s)", value, strings.Join(protocol.ExtensionCommands, ", "))
				}
			default:
				return fmt.Errorf("first argument must be \"url\" or \"command\", got %q", kind)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext("controller")
			defer cancel()

			ctl := controller.New(controller.Config{
				HubURL: cfg.HubURL,
				Policy: cfg.ReconnectPolicy(),
				Sink:   status.NewWriter(os.Stderr, "controller"),
			})
			runDone := make(chan struct{})
			go func() {
				defer close(runDone)
				ctl.Run(ctx)
			}()
			defer func() {
				cancel()
				<-runDone
			}()

			if err := ctl.WaitReadyTimeout(ctx, wait); err != nil {
				st := ctl.State()
				return &exitError{code: 2, err: fmt.Errorf("%w (hub connected: %v, device connected: %v)", controller.ErrNotReady, st.HubConnected, st.DeviceConnected)}
			}

			if kind == "url" {
				err = ctl.SendLocator(value)
			} else {
				err = ctl.SendCommand(value)
			}
			if errors.Is(err, controller.ErrNotReady) {
				return &exitError{code: 2, err: err}
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the hub and controlled device")
	return cmd
}
