package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Prompt reads command lines and accepts asynchronous output. Writes made
// while a line is being edited do not clobber the input.
type Prompt interface {
	io.Writer
	// ReadLine returns the next line without its newline, or io.EOF.
	ReadLine() (string, error)
	Close() error
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewPrompt returns a line editor when both in and out are terminals, and a
// plain line reader otherwise.
func NewPrompt(in, out *os.File, prefix string) (Prompt, error) {
	if !IsTerminal(in) || !IsTerminal(out) {
		return NewLinePrompt(in, out, prefix), nil
	}
	guard, err := EnableRawMode(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("enabling raw mode: %w", err)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	return &editorPrompt{t: term.NewTerminal(rw, prefix), guard: guard}, nil
}

type editorPrompt struct {
	t     *term.Terminal
	guard *RawModeGuard
	once  sync.Once
}

// Write redraws the prompt and any partial input below b.
func (p *editorPrompt) Write(b []byte) (int, error) {
	return p.t.Write(b)
}

// ReadLine returns io.EOF on Ctrl+D or Ctrl+C at an empty line.
func (p *editorPrompt) ReadLine() (string, error) {
	return p.t.ReadLine()
}

func (p *editorPrompt) Close() error {
	p.once.Do(p.guard.Restore)
	return nil
}

// linePrompt is the non-interactive fallback used for pipes and scripts.
type linePrompt struct {
	sc     *bufio.Scanner
	out    io.Writer
	prefix string
	mu     sync.Mutex
}

// NewLinePrompt reads lines from in and echoes the prefix to out before each.
func NewLinePrompt(in io.Reader, out io.Writer, prefix string) Prompt {
	return &linePrompt{sc: bufio.NewScanner(in), out: out, prefix: prefix}
}

func (p *linePrompt) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *linePrompt) ReadLine() (string, error) {
	if p.prefix != "" {
		p.Write([]byte(p.prefix))
	}
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(p.sc.Text(), "\r"), nil
}

func (p *linePrompt) Close() error { return nil }
