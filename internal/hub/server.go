package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/watchrelay/watchrelay/internal/connection"
	"github.com/watchrelay/watchrelay/internal/protocol"
	"github.com/watchrelay/watchrelay/internal/store"
)

// MailboxSize bounds the outbound queue of each connection.
const MailboxSize = 64

// Config configures the hub server.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string
	// DataDir is where hub.db lives.
	DataDir string
	// Activity enables the SQLite activity log.
	Activity bool
	// ActivityRetention prunes activity older than this. Zero keeps everything.
	ActivityRetention time.Duration
	// RateLimit is the sustained inbound events per second per connection.
	// Zero disables limiting.
	RateLimit float64
	// RateBurst is the inbound burst allowance per connection.
	RateBurst int
}

// StatusReport is served by GET /api/v1/status.
type StatusReport struct {
	ControllerConnected       bool `json:"controllerConnected" yaml:"controller_connected"`
	ControlledDeviceConnected bool `json:"controlledDeviceConnected" yaml:"controlled_device_connected"`
	Connections               int  `json:"connections" yaml:"connections"`
}

// Server exposes a Hub over websockets.
type Server struct {
	hub   *Hub
	st    store.Store
	limit rate.Limit
	burst int
}

// NewServer creates a server for h. st may be nil.
func NewServer(h *Hub, st store.Store, cfg Config) *Server {
	s := &Server{hub: h, st: st, limit: rate.Inf, burst: cfg.RateBurst}
	if cfg.RateLimit > 0 {
		s.limit = rate.Limit(cfg.RateLimit)
	}
	if s.burst <= 0 {
		s.burst = 1
	}
	return s
}

// Handler returns the HTTP routes of the hub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/activity", s.handleActivity)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // no origin policy; any client may connect
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()
	// Locators may be far longer than the default 32 KiB read limit.
	ws.SetReadLimit(int64(protocol.MaxLineSize))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := ConnID(uuid.New().String())
	mailbox := make(chan *protocol.Envelope, MailboxSize)
	// The mailbox is only ever closed by the actor.
	if !s.hub.Submit(ctx, Connected{Conn: id, Outbox: mailbox}) {
		ws.Close(websocket.StatusGoingAway, "hub shutting down")
		return
	}

	writer := connection.NewWSWriter(ctx, ws)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		for {
			select {
			case env, ok := <-mailbox:
				if !ok {
					// Closed by the actor on shutdown.
					ws.Close(websocket.StatusGoingAway, "hub shutting down")
					return
				}
				if err := writer.WriteEvent(env); err != nil {
					slog.Debug("write failed", "conn", id, "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.readLoop(ctx, id, connection.NewWSReader(ctx, ws))
	cancel()
	<-writeDone

	s.hub.Submit(context.Background(), Disconnected{Conn: id})
}

func (s *Server) readLoop(ctx context.Context, id ConnID, reader *connection.WSReader) {
	limiter := rate.NewLimiter(s.limit, s.burst)
	for {
		env, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, connection.ErrMalformed) {
				slog.Warn("malformed message dropped", "conn", id, "err", err)
				continue
			}
			slog.Debug("read ended", "conn", id, "err", err)
			return
		}
		if env == nil {
			return
		}
		if !limiter.Allow() {
			slog.Warn("message dropped", "event", env.Event, "conn", id, "reason", "rate limit exceeded")
			continue
		}

		ev, ok := decodeEvent(id, env)
		if !ok {
			continue
		}
		if !s.hub.Submit(ctx, ev) {
			return
		}
	}
}

// decodeEvent maps an inbound envelope to an actor event. Unknown events and
// payloads of the wrong shape are logged and skipped.
func decodeEvent(id ConnID, env *protocol.Envelope) (Event, bool) {
	switch env.Event {
	case protocol.EventRegisterController:
		return Registered{Role: RoleController, Conn: id}, true
	case protocol.EventRegisterControlledDevice:
		return Registered{Role: RoleDevice, Conn: id}, true
	case protocol.EventVideoURL:
		url, err := env.String()
		if err != nil {
			slog.Warn("malformed message dropped", "conn", id, "err", err)
			return nil, false
		}
		return Locator{From: id, URL: url}, true
	case protocol.EventPlaybackCommand:
		cmd, err := env.String()
		if err != nil {
			slog.Warn("malformed message dropped", "conn", id, "err", err)
			return nil, false
		}
		return Command{From: id, Command: cmd}, true
	default:
		slog.Warn("unknown event dropped", "event", env.Event, "conn", id)
		return nil, false
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := s.hub.Presence()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusReport{
		ControllerConnected:       p.ControllerConnected,
		ControlledDeviceConnected: p.ControlledDeviceConnected,
		Connections:               s.hub.Connections(),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		http.Error(w, "activity log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.st.ActivityList(r.Context(), limit)
	if err != nil {
		slog.Error("listing activity", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Activity{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// Run starts the hub on cfg.ListenAddr. It blocks until ctx is cancelled
// (returns nil after closing every connection) or the server fails. A bind
// failure is returned before anything is served.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}

	var st store.Store
	if cfg.Activity {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		sq, err := store.NewSQLiteStore(cfg.DataDir, cfg.ActivityRetention)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer sq.Close()
		st = sq
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return Serve(ctx, ln, st, cfg)
}

// Serve runs the hub on an existing listener.
func Serve(ctx context.Context, ln net.Listener, st store.Store, cfg Config) error {
	h := NewHub(st)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(hubCtx)
	}()

	srv := NewServer(h, st, cfg)
	httpSrv := &http.Server{Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "[hub] listening on %s\n", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	shutdown := func() {
		// Stopping the actor closes every mailbox, which closes each socket.
		stopHub()
		<-hubDone
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}

	select {
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "[hub] shutting down\n")
		shutdown()
		return nil
	case err := <-errCh:
		shutdown()
		return err
	}
}
