// Package device implements the controlled-device host. It registers with
// the hub as the controlled device, opens locators it is sent, and forwards
// playback commands down a local socket to the frame bridge.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/watchrelay/watchrelay/internal/connection"
	"github.com/watchrelay/watchrelay/internal/hubclient"
	"github.com/watchrelay/watchrelay/internal/opener"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/reconnect"
	"github.com/watchrelay/watchrelay/internal/status"
)

// DefaultURLPrefix is the only locator prefix opened unless configured
// otherwise.
const DefaultURLPrefix = "https://www.netflix.com/watch/"

// DefaultDownlinkRetry is the fixed delay between downlink acquisitions.
const DefaultDownlinkRetry = 2 * time.Second

// Config configures a device host.
type Config struct {
	HubURL string
	Policy reconnect.Policy

	// SocketPath is the local endpoint shared with the frame bridge.
	SocketPath string
	// URLPrefix gates play_video locators.
	URLPrefix string
	// Downlink is ModeAttach (default) or ModeDial.
	Downlink      string
	DownlinkRetry time.Duration

	Opener opener.Opener
	Sink   status.Sink
}

// Host is the controlled-device host.
type Host struct {
	cfg      Config
	client   *hubclient.Client
	downlink *LocalLink
	opener   opener.Opener
	sink     status.Sink

	mu                  sync.Mutex
	controllerConnected bool
	ready               chan struct{}
	readyOnce           sync.Once
}

// New creates a host. Nothing is dialled or bound until Run.
func New(cfg Config) *Host {
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = DefaultURLPrefix
	}
	if cfg.Downlink == "" {
		cfg.Downlink = ModeAttach
	}
	if cfg.DownlinkRetry <= 0 {
		cfg.DownlinkRetry = DefaultDownlinkRetry
	}
	h := &Host{
		cfg:      cfg,
		downlink: newLocalLink(cfg.Downlink, cfg.SocketPath, reconnect.FixedPolicy(cfg.DownlinkRetry)),
		opener:   cfg.Opener,
		sink:     cfg.Sink,
		ready:    make(chan struct{}),
	}
	if h.opener == nil {
		h.opener = opener.Default()
	}
	if h.sink == nil {
		h.sink = status.Discard
	}
	h.client = hubclient.New(hubclient.Config{
		URL:      cfg.HubURL,
		Register: protocol.EventRegisterControlledDevice,
		Policy:   cfg.Policy,
	}, h.handle)
	h.client.Link().OnChange(h.onLink)
	return h
}

// HubConnected reports whether the hub link is established.
func (h *Host) HubConnected() bool { return h.client.Connected() }

// DownlinkConnected reports whether a local connection is writable.
func (h *Host) DownlinkConnected() bool { return h.downlink.Connected() }

// ControllerConnected reports the last presence the hub broadcast. It is
// informational only.
func (h *Host) ControllerConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controllerConnected
}

// Listening closes once the local socket is bound.
func (h *Host) Listening() <-chan struct{} { return h.ready }

// Run binds the local socket, then keeps the hub link and the downlink up
// until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	var ln net.Listener
	if h.cfg.Downlink == ModeAttach {
		// Remove stale socket if it exists.
		_ = os.Remove(h.cfg.SocketPath)
		var err error
		ln, err = net.Listen("unix", h.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("listening on unix socket: %w", err)
		}
		slog.Info("listening on unix socket", "path", h.cfg.SocketPath)
		defer os.Remove(h.cfg.SocketPath)
	}
	h.readyOnce.Do(func() { close(h.ready) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.downlink.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		h.client.Run(ctx)
	}()

	if ln != nil {
		// Close the listener when ctx is cancelled so Accept unblocks.
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		h.acceptLoop(ctx, ln)
	} else {
		<-ctx.Done()
	}
	cancel()
	wg.Wait()
	return nil
}

func (h *Host) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		slog.Info("local client connected")
		h.sink.Publish(status.Message("local bridge connected"))

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer conn.Close()
			readUpward(connection.NewLineReader(conn))
			slog.Info("local client disconnected")
		}()
		h.downlink.attach(offer{conn: conn, done: done})
	}
}

// readUpward logs every message the extension sends back through the bridge.
func readUpward(r *connection.LineReader) {
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, connection.ErrMalformed) {
				slog.Warn("malformed local message skipped", "err", err)
				continue
			}
			slog.Debug("local read ended", "err", err)
			return
		}
		if msg == nil {
			return
		}
		slog.Info("message from extension", "msg", string(msg))
	}
}

func (h *Host) onLink(st reconnect.Status) {
	switch st.State {
	case reconnect.Connected:
		h.sink.Publish(status.Server(true, nil))
	case reconnect.Backoff:
		h.sink.Publish(status.Server(false, st.Err))
	}
}

func (h *Host) handle(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventPlayVideo:
		url, err := env.String()
		if err != nil {
			slog.Warn("malformed play_video dropped", "err", err)
			return
		}
		h.PlayVideo(url)

	case protocol.EventExecuteCommand:
		cmd, err := env.String()
		if err != nil {
			slog.Warn("malformed execute_command dropped", "err", err)
			return
		}
		h.ExecuteCommand(cmd)

	case protocol.EventConnectionStatus:
		var p protocol.PresenceStatus
		if err := json.Unmarshal(env.Data, &p); err != nil {
			slog.Warn("malformed connection_status dropped", "err", err)
			return
		}
		h.mu.Lock()
		changed := h.controllerConnected != p.ControllerConnected
		h.controllerConnected = p.ControllerConnected
		h.mu.Unlock()
		if changed {
			h.sink.Publish(status.Peer(status.KindController, p.ControllerConnected))
		}

	default:
		slog.Debug("ignoring hub event", "event", env.Event)
	}
}

// ValidLocator reports whether url may be opened under prefix.
func ValidLocator(prefix, url string) bool {
	return url != "" && strings.HasPrefix(url, prefix)
}

// PlayVideo opens url if it carries the configured prefix. The opener's
// outcome is logged; nothing is retried or reported to the hub.
func (h *Host) PlayVideo(url string) {
	if !ValidLocator(h.cfg.URLPrefix, url) {
		slog.Warn("locator rejected", "url", url, "prefix", h.cfg.URLPrefix)
		h.sink.Publish(status.Message("rejected locator %s", url))
		return
	}
	go func() {
		if err := h.opener.Open(context.Background(), url); err != nil {
			slog.Error("opening locator failed", "url", url, "err", err)
			h.sink.Publish(status.Message("failed to open %s: %v", url, err))
			return
		}
		slog.Info("locator opened", "url", url)
		h.sink.Publish(status.Message("opened %s", url))
	}()
}

// ExecuteCommand forwards cmd down the local downlink. If the downlink is
// not writable the command is dropped and re-acquisition is requested.
func (h *Host) ExecuteCommand(cmd string) {
	if err := h.downlink.Write(protocol.CommandMessage{Command: cmd}); err != nil {
		slog.Warn("command dropped", "command", cmd, "err", err)
		h.sink.Publish(status.Message("command %s dropped: downlink not connected", cmd))
		return
	}
	slog.Info("command forwarded", "command", cmd)
}
