// Package controller implements the controller host: it registers with the
// hub as the controller and sends locators and playback commands, but only
// while both the hub and the controlled device are known to be reachable.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/watchrelay/watchrelay/internal/hubclient"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/reconnect"
	"github.com/watchrelay/watchrelay/internal/status"
)

// ErrNotReady is returned by SendLocator and SendCommand when the hub link
// is down or no controlled device is registered. Nothing was sent.
var ErrNotReady = errors.New("not ready: hub or controlled device not connected")

// Config configures a controller host.
type Config struct {
	HubURL string
	Policy reconnect.Policy
	Sink   status.Sink
}

// State is a snapshot of the controller's readiness flags.
type State struct {
	HubConnected    bool `json:"hubConnected" yaml:"hub_connected"`
	DeviceConnected bool `json:"controlledDeviceConnected" yaml:"controlled_device_connected"`
}

// Ready reports whether sends are allowed.
func (s State) Ready() bool { return s.HubConnected && s.DeviceConnected }

// Controller is the controller host.
type Controller struct {
	client *hubclient.Client
	sink   status.Sink

	mu    sync.Mutex
	state State
	// closed and replaced on every state change
	changed chan struct{}
}

// New creates a controller. Nothing is dialled until Run.
func New(cfg Config) *Controller {
	c := &Controller{sink: cfg.Sink, changed: make(chan struct{})}
	if c.sink == nil {
		c.sink = status.Discard
	}
	c.client = hubclient.New(hubclient.Config{
		URL:      cfg.HubURL,
		Register: protocol.EventRegisterController,
		Policy:   cfg.Policy,
	}, c.handle)
	c.client.Link().OnChange(c.onLink)
	return c
}

// Run keeps the hub link up until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	return c.client.Run(ctx)
}

// State returns the current readiness flags.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendLocator asks the controlled device to open url.
func (c *Controller) SendLocator(url string) error {
	return c.send(protocol.EventVideoURL, url)
}

// SendCommand asks the controlled device to execute a playback command.
func (c *Controller) SendCommand(cmd string) error {
	return c.send(protocol.EventPlaybackCommand, cmd)
}

func (c *Controller) send(event, payload string) error {
	st := c.State()
	if !st.HubConnected {
		c.sink.Publish(status.Message("not connected to hub, %s not sent", event))
		return ErrNotReady
	}
	if !st.DeviceConnected {
		c.sink.Publish(status.Message("controlled device not connected, %s not sent", event))
		return ErrNotReady
	}
	if err := c.client.Emit(event, payload); err != nil {
		if errors.Is(err, hubclient.ErrNotConnected) {
			return ErrNotReady
		}
		return err
	}
	slog.Info("sent to hub", "event", event, "payload", payload)
	c.sink.Publish(status.Message("sent %s %s", event, payload))
	return nil
}

// WaitReady blocks until both flags are set or ctx ends.
func (c *Controller) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		ready := c.state.Ready()
		ch := c.changed
		c.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for controlled device: %w", ctx.Err())
		}
	}
}

// WaitReadyTimeout is WaitReady bounded by d.
func (c *Controller) WaitReadyTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return c.WaitReady(ctx)
}

// update applies fn to the state under the lock and wakes waiters.
func (c *Controller) update(fn func(*State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	close(c.changed)
	c.changed = make(chan struct{})
	return c.state
}

func (c *Controller) onLink(st reconnect.Status) {
	switch st.State {
	case reconnect.Connected:
		c.update(func(s *State) { s.HubConnected = true })
		c.sink.Publish(status.Server(true, nil))
	case reconnect.Backoff, reconnect.Idle:
		prev := c.State()
		c.update(func(s *State) {
			s.HubConnected = false
			// Device presence is unknown without the hub.
			s.DeviceConnected = false
		})
		if prev.HubConnected || st.Err != nil {
			c.sink.Publish(status.Server(false, st.Err))
		}
		if prev.DeviceConnected {
			c.sink.Publish(status.Peer(status.KindDevice, false))
		}
	}
}

func (c *Controller) handle(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventConnectionStatus:
		var p protocol.PresenceStatus
		if err := json.Unmarshal(env.Data, &p); err != nil {
			slog.Warn("malformed connection_status dropped", "err", err)
			return
		}
		prev := c.State()
		c.update(func(s *State) { s.DeviceConnected = p.ControlledDeviceConnected })
		if prev.DeviceConnected != p.ControlledDeviceConnected {
			c.sink.Publish(status.Peer(status.KindDevice, p.ControlledDeviceConnected))
		}
	default:
		slog.Debug("ignoring hub event", "event", env.Event)
	}
}
