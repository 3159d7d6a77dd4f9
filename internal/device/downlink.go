package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/watchrelay/watchrelay/internal/connection"
	"github.com/watchrelay/watchrelay/internal/reconnect"
)

// ErrDownlinkDown is returned when no writable local connection exists.
var ErrDownlinkDown = errors.New("local downlink not connected")

// Downlink modes.
const (
	// ModeAttach writes to the connection most recently accepted by the
	// local listener.
	ModeAttach = "attach"
	// ModeDial dials the local endpoint.
	ModeDial = "dial"
)

// offer is an accepted local connection. done closes when its reader ends.
type offer struct {
	conn net.Conn
	done <-chan struct{}
}

// LocalLink holds the current writable local connection and re-acquires it
// under a fixed-delay policy when it drops.
type LocalLink struct {
	mode string
	path string
	link *reconnect.Link

	offers chan offer

	mu     sync.Mutex
	writer *connection.LineWriter
	conn   net.Conn
}

func newLocalLink(mode, path string, policy reconnect.Policy) *LocalLink {
	return &LocalLink{
		mode:   mode,
		path:   path,
		link:   reconnect.New("downlink", policy),
		offers: make(chan offer, 1),
	}
}

// Connected reports whether a writable connection is held.
func (l *LocalLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != nil
}

// Run acquires and holds the downlink until ctx is cancelled.
func (l *LocalLink) Run(ctx context.Context) error {
	return l.link.Run(ctx, l.dial)
}

// Write sends one message as a JSON line. On failure the connection is
// dropped and re-acquisition is requested; the message is not retried.
func (l *LocalLink) Write(v any) error {
	l.mu.Lock()
	w, conn := l.writer, l.conn
	l.mu.Unlock()
	if w == nil {
		l.link.Nudge()
		return ErrDownlinkDown
	}
	if err := w.WriteMessage(v); err != nil {
		l.drop(conn)
		l.link.Nudge()
		return fmt.Errorf("writing to local downlink: %w", err)
	}
	return nil
}

// attach offers a freshly accepted connection. The newest offer replaces
// any that has not been taken yet.
func (l *LocalLink) attach(o offer) {
	for {
		select {
		case l.offers <- o:
			return
		default:
		}
		select {
		case old := <-l.offers:
			slog.Debug("superseded pending local connection", "remote", old.conn.RemoteAddr())
		default:
		}
	}
}

func (l *LocalLink) dial(ctx context.Context) (func(context.Context) error, error) {
	if l.mode == ModeDial {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", l.path)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", l.path, err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			readUpward(connection.NewLineReader(conn))
		}()
		return l.hold(offer{conn: conn, done: done}), nil
	}

	select {
	case o := <-l.offers:
		return l.hold(o), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hold installs o as the current connection and serves until it ends. A
// newer accepted connection replaces it in place and the old one is closed.
func (l *LocalLink) hold(o offer) func(context.Context) error {
	return func(ctx context.Context) error {
		cur := o
		l.set(cur.conn)
		defer l.drop(nil)
		for {
			select {
			case next := <-l.offers:
				slog.Info("local downlink replaced by newer connection")
				l.set(next.conn)
				cur.conn.Close()
				cur = next
			case <-cur.done:
				return errors.New("local connection closed")
			case <-ctx.Done():
				cur.conn.Close()
				return ctx.Err()
			}
		}
	}
}

func (l *LocalLink) set(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.writer = connection.NewLineWriter(conn)
}

// drop clears the current connection. A nil conn clears unconditionally;
// otherwise only if conn is still current.
func (l *LocalLink) drop(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn != nil && l.conn != conn {
		return
	}
	if l.conn != nil && conn != nil {
		l.conn.Close()
	}
	l.conn = nil
	l.writer = nil
}
