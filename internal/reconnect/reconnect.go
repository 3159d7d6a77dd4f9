// Package reconnect drives a single outbound connection through an explicit
// state machine (Idle, Connecting, Connected, Backoff) with bounded
// exponential backoff between attempts.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// State is the lifecycle position of a Link.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrGaveUp is returned by Run when Policy.MaxAttempts consecutive dials fail.
var ErrGaveUp = errors.New("reconnect: giving up")

// Policy configures retry timing for a Link.
type Policy struct {
	// MinDelay is the wait before the first retry.
	MinDelay time.Duration
	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration
	// ConnectTimeout bounds each dial. Zero means no timeout.
	ConnectTimeout time.Duration
	// MaxAttempts is the number of consecutive failed dials tolerated
	// before Run gives up. Zero retries forever.
	MaxAttempts int
	// Jitter randomizes each delay by up to this fraction (0..1).
	Jitter float64
}

// DefaultPolicy is used for hub connections: retry forever between one and
// five seconds with a generous connect timeout.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:       time.Second,
		MaxDelay:       5 * time.Second,
		ConnectTimeout: 20 * time.Second,
		Jitter:         0.5,
	}
}

// FixedPolicy retries forever with a constant delay.
func FixedPolicy(d time.Duration) Policy {
	return Policy{MinDelay: d, MaxDelay: d}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MinDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(float64(d) * p.Jitter * (2*rand.Float64() - 1))
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// DialFunc establishes one connection within ctx (which carries the
// connect timeout) and returns a function that serves it until it ends.
type DialFunc func(ctx context.Context) (serve func(ctx context.Context) error, err error)

// Status is a snapshot of a Link, delivered to observers on every change.
type Status struct {
	State   State
	Attempt int
	Err     error
}

// Link owns the reconnection loop for one hop.
type Link struct {
	name   string
	policy Policy

	mu       sync.RWMutex
	status   Status
	watchers []func(Status)

	nudge chan struct{}
}

// New creates an idle Link.
func New(name string, policy Policy) *Link {
	return &Link{
		name:   name,
		policy: policy,
		nudge:  make(chan struct{}, 1),
	}
}

// OnChange registers fn to be called (from the Run goroutine) after every
// state transition.
func (l *Link) OnChange(fn func(Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.State
}

// Connected reports whether the link is currently established.
func (l *Link) Connected() bool {
	return l.State() == Connected
}

// Status returns a snapshot of the link.
func (l *Link) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Nudge cuts a pending backoff short so the next dial happens now.
func (l *Link) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

func (l *Link) set(st Status) {
	l.mu.Lock()
	l.status = st
	watchers := append([]func(Status){}, l.watchers...)
	l.mu.Unlock()
	for _, fn := range watchers {
		fn(st)
	}
}

// Run dials, serves and re-dials until ctx is cancelled (returns nil) or
// MaxAttempts consecutive dials fail (returns ErrGaveUp).
func (l *Link) Run(ctx context.Context, dial DialFunc) error {
	defer l.set(Status{State: Idle})

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		l.set(Status{State: Connecting, Attempt: failures + 1})
		serve, err := l.dial(ctx, dial)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if l.policy.MaxAttempts > 0 && failures >= l.policy.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
			}
			slog.Debug("link dial failed", "link", l.name, "attempt", failures, "err", err)
			if !l.backoff(ctx, Status{State: Backoff, Attempt: failures, Err: err}) {
				return nil
			}
			continue
		}

		failures = 0
		select {
		case <-l.nudge: // stale
		default:
		}
		l.set(Status{State: Connected})
		err = serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Debug("link disconnected", "link", l.name, "err", err)
		if !l.backoff(ctx, Status{State: Backoff, Attempt: 1, Err: err}) {
			return nil
		}
	}
}

func (l *Link) dial(ctx context.Context, dial DialFunc) (func(context.Context) error, error) {
	dctx := ctx
	if l.policy.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, l.policy.ConnectTimeout)
		defer cancel()
	}
	return dial(dctx)
}

// backoff waits out the policy delay. Returns false if ctx ended first.
func (l *Link) backoff(ctx context.Context, st Status) bool {
	l.set(st)
	timer := time.NewTimer(l.policy.Delay(st.Attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.nudge:
		return true
	case <-ctx.Done():
		return false
	}
}
