package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/hub.db and
// runs schema migrations. Entries older than retention are pruned
// periodically; a zero retention keeps everything.
func NewSQLiteStore(dataDir string, retention time.Duration) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "hub.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		retention: retention,
		closeCh:   make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	if retention > 0 {
		go s.cleanupLoop()
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS activity (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			at      DATETIME NOT NULL,
			kind    TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			role    TEXT NOT NULL DEFAULT '',
			event   TEXT NOT NULL DEFAULT '',
			detail  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_at ON activity(at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically removes entries older than the retention window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			_, _ = s.ActivityPrune(context.Background(), time.Now().UTC().Add(-s.retention))
		}
	}
}

func (s *SQLiteStore) ActivityAppend(ctx context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (at, kind, conn_id, role, event, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		a.At.UTC(), string(a.Kind), a.ConnID, a.Role, a.Event, a.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActivityList(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, conn_id, role, event, detail FROM activity ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var kind string
		if err := rows.Scan(&a.ID, &a.At, &kind, &a.ConnID, &a.Role, &a.Event, &a.Detail); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		a.Kind = ActivityKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActivityPrune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning activity: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
