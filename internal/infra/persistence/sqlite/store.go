// Package sqlite provides a SQLite-backed record store that snapshots the
// in-memory state to a single table as JSON after every successful mutation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"softagar/internal/infra/persistence/memory"
	"softagar/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.RecordStore = (*Store)(nil)

// Store wraps the in-memory store and persists a full snapshot after each
// committed mutation. It hydrates from the snapshot on startup.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed record store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "softagar.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"sessions", "images"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap memory.Snapshot
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		switch bucket {
		case "sessions":
			if err := json.Unmarshal(payload, &snap.Sessions); err != nil {
				return fmt.Errorf("decode sessions: %w", err)
			}
		case "images":
			if err := json.Unmarshal(payload, &snap.Images); err != nil {
				return fmt.Errorf("decode images: %w", err)
			}
		}
		loaded = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snap)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		var data []byte
		switch bucket {
		case "sessions":
			data, err = json.Marshal(snap.Sessions)
		case "images":
			data, err = json.Marshal(snap.Images)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	return tx.Commit()
}

// EnsureSession registers or returns a session, then snapshots to SQLite.
func (s *Store) EnsureSession(ctx context.Context, candidateID string) (domain.Session, error) {
	sess, err := s.Store.EnsureSession(ctx, candidateID)
	if err != nil {
		return sess, err
	}
	return sess, s.persist()
}

// StoreImage registers an image record, then snapshots to SQLite.
func (s *Store) StoreImage(ctx context.Context, rec domain.ImageRecord) (domain.ImageRecord, error) {
	out, err := s.Store.StoreImage(ctx, rec)
	if err != nil {
		return out, err
	}
	return out, s.persist()
}

// SaveDetection replaces the detection record, then snapshots to SQLite.
func (s *Store) SaveDetection(ctx context.Context, imageID string, det domain.Detection) (domain.ImageRecord, error) {
	out, err := s.Store.SaveDetection(ctx, imageID, det)
	if err != nil {
		return out, err
	}
	return out, s.persist()
}

// UpdateAnnotations appends overlay markers, then snapshots to SQLite.
func (s *Store) UpdateAnnotations(ctx context.Context, imageID string, added, removed []domain.Colony) (domain.ImageRecord, error) {
	out, err := s.Store.UpdateAnnotations(ctx, imageID, added, removed)
	if err != nil {
		return out, err
	}
	return out, s.persist()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
