// Package opener hands a URL to the desktop so the default browser opens it.
package opener

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Opener opens a URL. Implementations return once the handoff has started;
// they do not wait for the browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Func adapts a function to Opener.
type Func func(ctx context.Context, url string) error

func (f Func) Open(ctx context.Context, url string) error { return f(ctx, url) }

// Command runs an external program with the URL as its last argument.
type Command struct {
	Name string
	Args []string
}

// Default returns the platform opener: xdg-open on Linux and BSDs, open on
// macOS, and the URL protocol handler on Windows.
func Default() *Command {
	switch runtime.GOOS {
	case "darwin":
		return &Command{Name: "open"}
	case "windows":
		return &Command{Name: "rundll32", Args: []string{"url.dll,FileProtocolHandler"}}
	default:
		return &Command{Name: "xdg-open"}
	}
}

// Parse builds a Command from a configured command line such as
// "firefox --new-window". An empty line yields Default().
func Parse(line string) *Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Default()
	}
	return &Command{Name: fields[0], Args: fields[1:]}
}

// Open starts the command and reaps it in the background.
func (c *Command) Open(ctx context.Context, url string) error {
	args := append(append([]string{}, c.Args...), url)
	cmd := exec.Command(c.Name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Name, err)
	}
	go cmd.Wait()
	return nil
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}
