package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/watchrelay/watchrelay/internal/bridge"
	"github.com/watchrelay/watchrelay/internal/controller"
	"github.com/watchrelay/watchrelay/internal/device"
	"github.com/watchrelay/watchrelay/internal/hub"
	"github.com/watchrelay/watchrelay/internal/opener"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/reconnect"
	"github.com/watchrelay/watchrelay/internal/store"
)

// relay wires every component together the way a real deployment does:
// controller -> hub -> device host -> unix socket -> bridge -> stdio frames.
type relay struct {
	hub    *hub.Hub
	st     store.Store
	ctl    *controller.Controller
	dev    *device.Host
	opened chan string
	frames chan []byte
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	var running []chan struct{}
	goRun := func(fn func()) {
		done := make(chan struct{})
		running = append(running, done)
		go func() {
			defer close(done)
			fn()
		}()
	}
	t.Cleanup(func() {
		cancel()
		for _, done := range running {
			<-done
		}
	})

	r := &relay{
		hub:    hub.NewHub(st),
		st:     st,
		opened: make(chan string, 4),
		frames: make(chan []byte, 16),
	}
	goRun(func() { r.hub.Run(ctx) })
	srv := httptest.NewServer(hub.NewServer(r.hub, st, hub.Config{}).Handler())
	t.Cleanup(srv.Close)

	policy := reconnect.FixedPolicy(50 * time.Millisecond)
	socket := filepath.Join(t.TempDir(), "wr.sock")

	r.dev = device.New(device.Config{
		HubURL:     srv.URL,
		Policy:     policy,
		SocketPath: socket,
		Opener: opener.Func(func(ctx context.Context, url string) error {
			r.opened <- url
			return nil
		}),
	})
	goRun(func() { r.dev.Run(ctx) })
	select {
	case <-r.dev.Listening():
	case <-time.After(3 * time.Second):
		t.Fatal("device host never bound its socket")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { inW.Close() })
	goRun(func() {
		bridge.Run(ctx, bridge.Config{SocketPath: socket, Stdin: inR, Stdout: outW})
		outW.Close()
	})
	go func() {
		for {
			payload, err := protocol.ReadFrame(outR)
			if err != nil || payload == nil {
				close(r.frames)
				return
			}
			r.frames <- payload
		}
	}()

	r.ctl = controller.New(controller.Config{HubURL: srv.URL, Policy: policy})
	goRun(func() { r.ctl.Run(ctx) })

	if err := r.ctl.WaitReadyTimeout(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("controller never became ready: %+v", r.ctl.State())
	}
	waitFor(t, "downlink", r.dev.DownlinkConnected)
	return r
}

func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// nextCommand skips the bridge's ready frame and returns the next command.
func (r *relay) nextCommand(t *testing.T) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-r.frames:
			if !ok {
				t.Fatal("bridge stdout closed")
			}
			var msg protocol.CommandMessage
			if err := json.Unmarshal(f, &msg); err != nil {
				t.Fatalf("decoding frame %q: %v", f, err)
			}
			if msg.Command != "" {
				return msg.Command
			}
		case <-timeout:
			t.Fatal("timeout waiting for a command frame")
		}
	}
}

// nextOpened returns the next locator handed to the opener.
func (r *relay) nextOpened(t *testing.T) string {
	t.Helper()
	select {
	case got := <-r.opened:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("locator never reached the opener")
	}
	return ""
}

// expectQuiet fails if another locator or command arrives within d.
func (r *relay) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case got := <-r.opened:
			t.Fatalf("locator %q opened again", got)
		case f, ok := <-r.frames:
			if !ok {
				t.Fatal("bridge stdout closed")
			}
			var msg protocol.CommandMessage
			if json.Unmarshal(f, &msg) == nil && msg.Command != "" {
				t.Fatalf("extra command %q delivered", msg.Command)
			}
		case <-timeout:
			return
		}
	}
}

func TestRelayDeliversExactlyOnce(t *testing.T) {
	r := startRelay(t)

	const locator = "https://www.netflix.com/watch/80100172"
	if err := r.ctl.SendLocator(locator); err != nil {
		t.Fatalf("SendLocator: %v", err)
	}
	if err := r.ctl.SendCommand(protocol.CommandPause); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if got := r.nextOpened(t); got != locator {
		t.Fatalf("opened %q", got)
	}
	if got := r.nextCommand(t); got != protocol.CommandPause {
		t.Fatalf("extension got %q, want pause", got)
	}
	r.expectQuiet(t, 300*time.Millisecond)
}

func TestRelayLongLocator(t *testing.T) {
	r := startRelay(t)

	// Well past the websocket library's default 32 KiB read limit.
	locator := "https://www.netflix.com/watch/" + strings.Repeat("a", 40000)
	if err := r.ctl.SendLocator(locator); err != nil {
		t.Fatalf("SendLocator: %v", err)
	}
	if got := r.nextOpened(t); got != locator {
		t.Fatalf("opened locator of %d bytes, want %d", len(got), len(locator))
	}

	// The controller link survives and keeps working.
	if err := r.ctl.SendCommand(protocol.CommandPlay); err != nil {
		t.Fatalf("SendCommand after long locator: %v", err)
	}
	if got := r.nextCommand(t); got != protocol.CommandPlay {
		t.Fatalf("extension got %q, want play", got)
	}
}

func TestRelayCommandReachesExtension(t *testing.T) {
	r := startRelay(t)

	for _, cmd := range []string{protocol.CommandPause, protocol.CommandPlay} {
		if err := r.ctl.SendCommand(cmd); err != nil {
			t.Fatalf("SendCommand(%s): %v", cmd, err)
		}
		if got := r.nextCommand(t); got != cmd {
			t.Fatalf("extension got %q, want %q", got, cmd)
		}
	}
}

func TestRelayActivityRecorded(t *testing.T) {
	r := startRelay(t)

	if err := r.ctl.SendCommand(protocol.CommandPause); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	r.nextCommand(t)

	// The recorder writes asynchronously.
	waitFor(t, "delivered activity", func() bool {
		entries, err := r.st.ActivityList(context.Background(), 50)
		if err != nil {
			t.Fatalf("ActivityList: %v", err)
		}
		for _, e := range entries {
			if e.Kind == store.ActivityDelivered && e.Event == protocol.EventExecuteCommand {
				return true
			}
		}
		return false
	})
}
