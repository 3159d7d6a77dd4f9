// Package status carries host status updates to whatever presents them: a
// terminal, a log, or a test recorder.
package status

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Kind names a status update.
type Kind string

const (
	// KindServer reports the hub link: connected, optionally with the error
	// that took it down.
	KindServer Kind = "server_status_update"
	// KindController reports the controller's presence (device host only).
	KindController Kind = "controller_status_update"
	// KindDevice reports the controlled device's presence (controller only).
	KindDevice Kind = "device_status_update"
	// KindMessage is a free-text status line.
	KindMessage Kind = "status_message"
)

// Event is one status update.
type Event struct {
	Kind      Kind      `json:"type"`
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"-"`
}

// Sink consumes status updates. Publish must not block for long.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(Event) {})

// Server builds a KindServer update.
func Server(connected bool, err error) Event {
	e := Event{Kind: KindServer, Connected: connected}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Peer builds a presence update of kind k.
func Peer(k Kind, connected bool) Event {
	return Event{Kind: k, Connected: connected}
}

// Message builds a free-text update.
func Message(format string, args ...any) Event {
	return Event{Kind: KindMessage, Message: fmt.Sprintf(format, args...)}
}

// Writer renders updates as one line each, colored when the destination
// is a terminal.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	tag   string
	color bool
}

// NewWriter renders to w with the given tag, e.g. "device".
func NewWriter(w io.Writer, tag string) *Writer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Writer{w: w, tag: tag, color: color}
}

// Publish implements Sink.
func (sw *Writer) Publish(e Event) {
	line := sw.Format(e)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	fmt.Fprintln(sw.w, line)
}

// Format renders e without a trailing newline.
func (sw *Writer) Format(e Event) string {
	var text string
	switch e.Kind {
	case KindServer:
		text = "hub " + sw.state(e.Connected, "connected", "disconnected")
		if e.Error != "" {
			text += " (" + e.Error + ")"
		}
	case KindController:
		text = "controller " + sw.state(e.Connected, "present", "absent")
	case KindDevice:
		text = "device " + sw.state(e.Connected, "present", "absent")
	default:
		text = e.Message
	}
	return fmt.Sprintf("[%s] %s", sw.tag, text)
}

func (sw *Writer) state(ok bool, yes, no string) string {
	word, code := no, "31"
	if ok {
		word, code = yes, "32"
	}
	if !sw.color {
		return word
	}
	return "\x1b[" + code + "m" + word + "\x1b[0m"
}

// Summary renders a one-line overview of a host's two flags.
func Summary(tag string, hub bool, peerName string, peer bool) string {
	yn := func(b bool) string {
		if b {
			return "up"
		}
		return "down"
	}
	return fmt.Sprintf("[%s] hub %s | %s %s", tag, yn(hub), peerName, yn(peer))
}

// Recorder keeps every update in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Wait blocks until an update matching fn has been recorded or timeout
// elapses.
func (r *Recorder) Wait(fn func(Event) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, e := range r.Events() {
			if fn(e) {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return false
		}
	}
}
