package connection

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/watchrelay/watchrelay/internal/protocol"
)

// ErrLineTooLong is wrapped in the ErrMalformed error returned for a line
// longer than the reader's limit. The line is discarded in full.
var ErrLineTooLong = errors.New("line too long")

// LineReader reads newline-delimited JSON messages from a local socket.
type LineReader struct {
	conn net.Conn
	br   *bufio.Reader
	max  int
	line []byte
}

// NewLineReader creates a new LineReader wrapping the given connection.
// Lines are limited to protocol.MaxLineSize bytes.
func NewLineReader(conn net.Conn) *LineReader {
	return &LineReader{conn: conn, br: bufio.NewReaderSize(conn, 64*1024), max: protocol.MaxLineSize}
}

// ReadMessage returns the next message as compact JSON. Blank lines are
// skipped. Returns (nil, nil) on clean EOF. A line that is not valid JSON or
// exceeds the limit yields an error wrapping ErrMalformed; reading may
// continue after it.
func (r *LineReader) ReadMessage() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			if errors.Is(err, ErrMalformed) {
				return nil, err
			}
			return nil, fmt.Errorf("reading line: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.CompactJSON(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v (raw: %.200s)", ErrMalformed, err, line)
		}
		return msg, nil
	}
}

// readLine returns the next line without its terminator. An unterminated
// final line is returned before io.EOF. The returned slice is valid until
// the next call.
func (r *LineReader) readLine() ([]byte, error) {
	r.line = r.line[:0]
	size := 0
	for {
		frag, err := r.br.ReadSlice('\n')
		size += len(frag)
		if size <= r.max+1 {
			r.line = append(r.line, frag...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && (err != io.EOF || size == 0) {
			return nil, err
		}
		line := bytes.TrimSuffix(r.line, []byte{'\n'})
		if size > r.max+1 || len(line) > r.max {
			r.line = r.line[:0]
			return nil, fmt.Errorf("%w: %w (%d bytes)", ErrMalformed, ErrLineTooLong, size)
		}
		return line, nil
	}
}

// Close closes the underlying connection.
func (r *LineReader) Close() error {
	return r.conn.Close()
}

// DefaultWriteTimeout bounds a single local socket write so a stalled peer
// cannot block the caller indefinitely.
const DefaultWriteTimeout = 5 * time.Second

// LineWriter writes newline-delimited JSON messages to a local socket.
// It is safe for concurrent use.
type LineWriter struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

// NewLineWriter creates a new LineWriter wrapping the given connection.
func NewLineWriter(conn net.Conn) *LineWriter {
	return &LineWriter{conn: conn, timeout: DefaultWriteTimeout}
}

// WriteMessage marshals v as one JSON line.
func (w *LineWriter) WriteMessage(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	return protocol.WriteLine(w.conn, v)
}

// WriteRaw writes an already-compact JSON value as one line.
func (w *LineWriter) WriteRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	return protocol.WriteRawLine(w.conn, data)
}

func (w *LineWriter) deadline() {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
}

// Close closes the underlying connection.
func (w *LineWriter) Close() error {
	return w.conn.Close()
}
