package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{MinDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want %v", got, time.Second)
	}
}

func TestPolicyJitterStaysInBounds(t *testing.T) {
	p := Policy{MinDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("Delay(1) with jitter = %v, outside [0.5s, 1.5s]", d)
		}
		if d := p.Delay(10); d > 5*time.Second {
			t.Fatalf("Delay(10) with jitter = %v exceeds max", d)
		}
	}
}

func TestFixedPolicy(t *testing.T) {
	p := FixedPolicy(2 * time.Second)
	for _, n := range []int{1, 2, 7} {
		if got := p.Delay(n); got != 2*time.Second {
			t.Errorf("Delay(%d) = %v, want 2s", n, got)
		}
	}
}

// recorder collects the states a link passes through.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestLinkRetriesUntilConnected(t *testing.T) {
	l := New("test", Policy{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	rec := &recorder{}
	l.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dials := 0
	served := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(ctx context.Context) (func(context.Context) error, error) {
			dials++
			if dials < 3 {
				return nil, errors.New("refused")
			}
			return func(ctx context.Context) error {
				close(served)
				<-ctx.Done()
				return ctx.Err()
			}, nil
		})
	}()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("link never connected")
	}
	if !l.Connected() {
		t.Fatalf("state = %v, want connected", l.State())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel, want nil", err)
	}
	if l.State() != Idle {
		t.Errorf("state after Run = %v, want idle", l.State())
	}

	want := []State{Connecting, Backoff, Connecting, Backoff, Connecting, Connected, Idle}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestLinkReconnectsAfterDisconnect(t *testing.T) {
	l := New("test", FixedPolicy(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := make(chan struct{}, 10)
	go l.Run(ctx, func(ctx context.Context) (func(context.Context) error, error) {
		return func(ctx context.Context) error {
			sessions <- struct{}{}
			return errors.New("peer closed")
		}, nil
	})

	for i := 0; i < 3; i++ {
		select {
		case <-sessions:
		case <-time.After(2 * time.Second):
			t.Fatalf("session %d never started", i)
		}
	}
}

func TestLinkGivesUpAfterMaxAttempts(t *testing.T) {
	l := New("test", Policy{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	dials := 0
	err := l.Run(context.Background(), func(ctx context.Context) (func(context.Context) error, error) {
		dials++
		return nil, errors.New("refused")
	})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("err = %v, want ErrGaveUp", err)
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
}

func TestLinkAppliesConnectTimeout(t *testing.T) {
	l := New("test", Policy{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, ConnectTimeout: 20 * time.Millisecond, MaxAttempts: 1})
	start := time.Now()
	err := l.Run(context.Background(), func(ctx context.Context) (func(context.Context) error, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("dial context has no deadline")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dial took %v, timeout not applied", elapsed)
	}
}

func TestLinkNudgeSkipsBackoff(t *testing.T) {
	l := New("test", FixedPolicy(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan struct{}, 10)
	go l.Run(ctx, func(ctx context.Context) (func(context.Context) error, error) {
		attempts <- struct{}{}
		return nil, errors.New("refused")
	})

	<-attempts
	deadline := time.Now().Add(2 * time.Second)
	for l.State() != Backoff {
		if time.Now().After(deadline) {
			t.Fatal("link never entered backoff")
		}
		time.Sleep(time.Millisecond)
	}

	l.Nudge()
	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("nudge did not trigger a new attempt")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Connecting: "connecting", Connected: "connected", Backoff: "backoff"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
