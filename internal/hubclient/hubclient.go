// Package hubclient maintains a host's connection to the session hub. The
// connection is re-established forever under a reconnect policy, and the
// host's register event is sent again after every successful connect.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/watchrelay/watchrelay/internal/connection"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/reconnect"
)

// ErrNotConnected is returned by Emit while the hub link is down.
var ErrNotConnected = errors.New("not connected to hub")

// Handler receives every event the hub sends. It runs on the read goroutine.
type Handler func(env *protocol.Envelope)

// Config configures a hub client.
type Config struct {
	// URL is the hub base URL (http, https, ws or wss). "/ws" is appended
	// when missing.
	URL string
	// Register is the event emitted after every connect.
	Register string
	Policy   reconnect.Policy
}

// Client is a reconnecting hub connection.
type Client struct {
	cfg     Config
	url     string
	link    *reconnect.Link
	handler Handler

	mu     sync.Mutex
	writer *connection.WSWriter
}

// New creates a client. Nothing is dialled until Run.
func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:     cfg,
		url:     WSURL(cfg.URL),
		link:    reconnect.New("hub", cfg.Policy),
		handler: handler,
	}
}

// Link exposes the underlying connection state machine.
func (c *Client) Link() *reconnect.Link { return c.link }

// Connected reports whether the hub link is established.
func (c *Client) Connected() bool { return c.link.Connected() }

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.link.Run(ctx, c.dial)
}

// Emit sends one event to the hub. It fails fast with ErrNotConnected while
// the link is down; nothing is queued.
func (c *Client) Emit(event string, v any) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	if err := w.Emit(event, v); err != nil {
		return fmt.Errorf("emitting %s: %w", event, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (func(context.Context) error, error) {
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	// Remove the default read limit so long locators are not rejected.
	ws.SetReadLimit(-1)
	return func(ctx context.Context) error {
		return c.serve(ctx, ws)
	}, nil
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	defer ws.CloseNow()

	writer := connection.NewWSWriter(ctx, ws)
	if err := writer.Emit(c.cfg.Register, nil); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	slog.Info("connected to hub", "url", c.url, "register", c.cfg.Register)

	c.mu.Lock()
	c.writer = writer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.writer = nil
		c.mu.Unlock()
	}()

	reader := connection.NewWSReader(ctx, ws)
	for {
		env, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, connection.ErrMalformed) {
				slog.Warn("malformed message from hub dropped", "err", err)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if env == nil {
			return errors.New("hub closed the connection")
		}
		if c.handler != nil {
			c.handler(env)
		}
	}
}

// WSURL converts a hub base URL to its websocket endpoint.
func WSURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u = strings.TrimSuffix(u, "/")
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}
