package hub

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/store"
)

// Hub is the routing actor. A single goroutine (Run) owns the registry and
// the set of connection mailboxes; everything else talks to it through
// Submit.
type Hub struct {
	events chan Event
	done   chan struct{}

	// Owned by Run.
	registry Registry
	outboxes map[ConnID]chan<- *protocol.Envelope

	presence atomic.Pointer[protocol.PresenceStatus]
	conns    atomic.Int64

	activity chan store.Activity
	st       store.Store
}

// NewHub creates a hub. st may be nil to disable the activity log.
func NewHub(st store.Store) *Hub {
	h := &Hub{
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		outboxes: make(map[ConnID]chan<- *protocol.Envelope),
		st:       st,
	}
	h.presence.Store(&protocol.PresenceStatus{})
	if st != nil {
		h.activity = make(chan store.Activity, 256)
	}
	return h
}

// Submit hands an event to the actor. It returns false if the hub has
// stopped or ctx ended first.
func (h *Hub) Submit(ctx context.Context, ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Presence returns the most recently computed presence status.
func (h *Hub) Presence() protocol.PresenceStatus {
	return *h.presence.Load()
}

// Connections returns the number of attached connections.
func (h *Hub) Connections() int {
	return int(h.conns.Load())
}

// Run processes events until ctx is cancelled. On exit every remaining
// mailbox is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.activity != nil {
		recCtx, cancel := context.WithCancel(context.Background())
		recDone := make(chan struct{})
		go func() {
			defer close(recDone)
			h.recordLoop(recCtx)
		}()
		defer func() {
			close(h.activity)
			<-recDone
			cancel()
		}()
	}

	defer func() {
		for id, ch := range h.outboxes {
			close(ch)
			delete(h.outboxes, id)
		}
		h.conns.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev Event) {
	switch ev := ev.(type) {
	case Connected:
		h.outboxes[ev.Conn] = ev.Outbox
		h.conns.Store(int64(len(h.outboxes)))
		slog.Info("client connected", "conn", ev.Conn)
		h.record(store.Activity{Kind: store.ActivityConnected, ConnID: string(ev.Conn)})
	case Registered:
		slog.Info("client registered", "conn", ev.Conn, "role", ev.Role)
		h.record(store.Activity{Kind: store.ActivityRegistered, ConnID: string(ev.Conn), Role: string(ev.Role)})
	case Disconnected:
		for _, role := range h.registry.RoleOf(ev.Conn) {
			slog.Info("registered client disconnected", "conn", ev.Conn, "role", role)
		}
		if ch, ok := h.outboxes[ev.Conn]; ok {
			close(ch)
			delete(h.outboxes, ev.Conn)
		}
		h.conns.Store(int64(len(h.outboxes)))
		slog.Info("client disconnected", "conn", ev.Conn)
		h.record(store.Activity{Kind: store.ActivityDisconnected, ConnID: string(ev.Conn)})
	}

	for _, eff := range h.registry.Apply(ev) {
		h.execute(eff)
	}
}

func (h *Hub) execute(eff Effect) {
	switch eff := eff.(type) {
	case Broadcast:
		status := eff.Status
		h.presence.Store(&status)
		env, err := protocol.NewEnvelope(protocol.EventConnectionStatus, status)
		if err != nil {
			slog.Error("encoding presence", "err", err)
			return
		}
		slog.Debug("broadcasting presence", "controller", status.ControllerConnected,
			"device", status.ControlledDeviceConnected, "recipients", len(h.outboxes))
		for id := range h.outboxes {
			h.send(id, env)
		}

	case Deliver:
		env, err := protocol.NewEnvelope(eff.Event, eff.Payload)
		if err != nil {
			slog.Error("encoding delivery", "event", eff.Event, "err", err)
			return
		}
		if !h.send(eff.To, env) {
			return
		}
		slog.Info("routed to controlled device", "event", eff.Event, "conn", eff.To, "payload", eff.Payload)
		h.record(store.Activity{Kind: store.ActivityDelivered, ConnID: string(eff.To), Event: eff.Event, Detail: eff.Payload})

	case Drop:
		slog.Warn("message dropped", "event", eff.Event, "conn", eff.From, "reason", eff.Reason)
		h.record(store.Activity{Kind: store.ActivityDropped, ConnID: string(eff.From), Event: eff.Event, Detail: eff.Reason})
	}
}

// send performs a non-blocking mailbox delivery. A missing or full mailbox
// drops the envelope.
func (h *Hub) send(id ConnID, env *protocol.Envelope) bool {
	ch, ok := h.outboxes[id]
	if !ok {
		slog.Warn("message dropped", "event", env.Event, "conn", id, "reason", "connection gone")
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		slog.Warn("message dropped", "event", env.Event, "conn", id, "reason", "outbound buffer full")
		h.record(store.Activity{Kind: store.ActivityDropped, ConnID: string(id), Event: env.Event, Detail: "outbound buffer full"})
		return false
	}
}

func (h *Hub) record(a store.Activity) {
	if h.activity == nil {
		return
	}
	select {
	case h.activity <- a:
	default:
		slog.Debug("activity log backlog full, entry skipped", "kind", a.Kind)
	}
}

func (h *Hub) recordLoop(ctx context.Context) {
	for a := range h.activity {
		if err := h.st.ActivityAppend(ctx, a); err != nil {
			slog.Warn("activity log write failed", "err", err)
		}
	}
}
