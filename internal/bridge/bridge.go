// Package bridge relays messages between the device host's local socket and
// a native-messaging consumer on stdio. The socket side carries one JSON
// value per line; the stdio side carries [u32 LE length][JSON] frames.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchrelay/watchrelay/internal/connection"
	"github.com/watchrelay/watchrelay/internal/protocol"
)

// ErrConnect wraps a failure to reach the local socket. The bridge never
// retries it.
var ErrConnect = errors.New("connecting to local socket")

// DefaultDialTimeout bounds the initial socket connect.
const DefaultDialTimeout = 5 * time.Second

// Config configures a bridge run.
type Config struct {
	SocketPath  string
	Stdin       io.Reader
	Stdout      io.Writer
	DialTimeout time.Duration
}

// frameWriter serializes frames onto stdout.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) write(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.WriteFrame(f.w, payload)
}

func (f *frameWriter) writeJSON(v any) error {
	frame, err := protocol.EncodeFrameJSON(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(frame)
	return err
}

// Run connects to the local socket and relays in both directions. It
// returns nil when the socket closes, stdin reaches EOF, or ctx is
// cancelled, and an error wrapping ErrConnect if the socket cannot be
// reached.
func Run(ctx context.Context, cfg Config) error {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	var d net.Dialer
	conn, err := d.DialContext(dctx, "unix", cfg.SocketPath)
	cancel()
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrConnect, cfg.SocketPath, err)
	}
	defer conn.Close()
	slog.Info("connected to local socket", "path", cfg.SocketPath)

	out := &frameWriter{w: cfg.Stdout}
	if err := out.writeJSON(protocol.NativeHostReady); err != nil {
		slog.Warn("sending ready message", "err", err)
	}

	var established atomic.Bool
	established.Store(true)
	done := make(chan string, 2)

	go func() {
		socketToStdout(connection.NewLineReader(conn), out)
		established.Store(false)
		done <- "local socket closed"
	}()
	go func() {
		stdinToSocket(cfg.Stdin, connection.NewLineWriter(conn), &established)
		done <- "stdin closed"
	}()

	select {
	case reason := <-done:
		slog.Info("bridge exiting", "reason", reason)
	case <-ctx.Done():
		slog.Info("bridge exiting", "reason", ctx.Err())
	}
	return nil
}

func socketToStdout(r *connection.LineReader, out *frameWriter) {
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, connection.ErrMalformed) {
				slog.Warn("malformed socket line discarded", "err", err)
				continue
			}
			slog.Debug("socket read ended", "err", err)
			return
		}
		if msg == nil {
			return
		}
		if err := out.write(msg); err != nil {
			slog.Error("writing frame to stdout", "err", err)
			return
		}
		slog.Debug("socket -> stdout", "bytes", len(msg))
	}
}

func stdinToSocket(in io.Reader, w *connection.LineWriter, established *atomic.Bool) {
	dec := protocol.NewFrameDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			drain(dec, w, established)
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("reading stdin", "err", err)
			}
			if dec.Buffered() > 0 {
				slog.Warn("discarding partial frame at end of input", "bytes", dec.Buffered())
			}
			return
		}
	}
}

func drain(dec *protocol.FrameDecoder, w *connection.LineWriter, established *atomic.Bool) {
	for {
		payload, ok, err := dec.Next()
		if err != nil {
			slog.Warn("frame discarded", "err", err)
			continue
		}
		if !ok {
			return
		}
		msg, err := protocol.CompactJSON(payload)
		if err != nil {
			slog.Warn("non-JSON frame discarded", "err", err)
			continue
		}
		if !established.Load() {
			slog.Warn("local socket not connected, message dropped", "bytes", len(msg))
			continue
		}
		if err := w.WriteRaw(msg); err != nil {
			slog.Warn("message dropped", "err", err)
			continue
		}
		slog.Debug("stdin -> socket", "bytes", len(msg))
	}
}
