package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestActivityAppendList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []Activity{
		{Kind: ActivityConnected, ConnID: "c1"},
		{Kind: ActivityRegistered, ConnID: "c1", Role: "controller"},
		{Kind: ActivityDelivered, ConnID: "c2", Event: "play_video", Detail: "https://example.com/watch/1"},
	}
	for _, e := range entries {
		if err := s.ActivityAppend(ctx, e); err != nil {
			t.Fatalf("ActivityAppend: %v", err)
		}
	}

	got, err := s.ActivityList(ctx, 10)
	if err != nil {
		t.Fatalf("ActivityList: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Kind != ActivityDelivered || got[0].Event != "play_video" {
		t.Errorf("first entry = %+v, want delivered play_video", got[0])
	}
	if got[2].Kind != ActivityConnected {
		t.Errorf("last entry kind = %s, want connected", got[2].Kind)
	}
	if got[0].At.IsZero() {
		t.Error("At should default to now")
	}
	if got[1].Role != "controller" {
		t.Errorf("role = %q, want controller", got[1].Role)
	}
}

func TestActivityListLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.ActivityAppend(ctx, Activity{Kind: ActivityDropped}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ActivityList(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID <= got[1].ID {
		t.Errorf("entries not newest first: %d then %d", got[0].ID, got[1].ID)
	}
}

func TestActivityPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	if err := s.ActivityAppend(ctx, Activity{At: old, Kind: ActivityConnected}); err != nil {
		t.Fatal(err)
	}
	if err := s.ActivityAppend(ctx, Activity{Kind: ActivityDisconnected}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ActivityPrune(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActivityPrune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	got, err := s.ActivityList(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != ActivityDisconnected {
		t.Fatalf("remaining = %+v, want one disconnected entry", got)
	}
}
