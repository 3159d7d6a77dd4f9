package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/watchrelay/watchrelay/internal/protocol"
)

// WSReader reads hub envelopes from a WebSocket connection. Each text
// message carries exactly one envelope.
type WSReader struct {
	conn *websocket.Conn
	ctx  context.Context
}

// NewWSReader creates a new WSReader wrapping the given WebSocket connection.
func NewWSReader(ctx context.Context, conn *websocket.Conn) *WSReader {
	return &WSReader{conn: conn, ctx: ctx}
}

// ReadEvent reads a single envelope from the WebSocket.
// Returns (nil, nil) on normal close. A message that is not a JSON envelope
// yields an error wrapping ErrMalformed; the connection remains usable.
func (r *WSReader) ReadEvent() (*protocol.Envelope, error) {
	msgType, data, err := r.conn.Read(r.ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
			return nil, nil
		}
		return nil, err
	}

	if msgType != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected websocket message type %v", ErrMalformed, msgType)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return &env, nil
}

// Close sends a normal closure message and closes the WebSocket.
func (r *WSReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// WSWriter writes hub envelopes to a WebSocket connection.
// It is safe for concurrent use.
type WSWriter struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

// NewWSWriter creates a new WSWriter wrapping the given WebSocket connection.
func NewWSWriter(ctx context.Context, conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, ctx: ctx}
}

// WriteEvent writes a single envelope as a text message.
func (w *WSWriter) WriteEvent(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(w.ctx, websocket.MessageText, data)
}

// Emit builds an envelope for event with payload v and writes it.
func (w *WSWriter) Emit(event string, v any) error {
	env, err := protocol.NewEnvelope(event, v)
	if err != nil {
		return err
	}
	return w.WriteEvent(env)
}

// Close sends a normal closure message and closes the WebSocket.
func (w *WSWriter) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
