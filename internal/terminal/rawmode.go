package terminal

import (
	"golang.org/x/term"
)

// RawModeGuard restores a terminal's previous mode.
type RawModeGuard struct {
	fd       int
	oldState *term.State
}

// EnableRawMode puts fd into raw mode until Restore is called.
func EnableRawMode(fd int) (*RawModeGuard, error) {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawModeGuard{fd: fd, oldState: oldState}, nil
}

func (g *RawModeGuard) Restore() {
	term.Restore(g.fd, g.oldState)
}
