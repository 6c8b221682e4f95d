// Package postgres provides a Postgres-backed record store that mirrors the
// in-memory semantics and snapshots state to a JSONB table after each
// committed mutation.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"softagar/internal/infra/persistence/memory"
	"softagar/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.RecordStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/softagar?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory store for
// all record semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory store from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"sessions", "images"}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
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
		if len(payload) == 0 {
			continue
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

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
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
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// EnsureSession registers or returns a session, then snapshots to Postgres.
func (s *Store) EnsureSession(ctx context.Context, candidateID string) (domain.Session, error) {
	sess, err := s.Store.EnsureSession(ctx, candidateID)
	if err != nil {
		return sess, err
	}
	return sess, s.persist(ctx)
}

// StoreImage registers an image record, then snapshots to Postgres.
func (s *Store) StoreImage(ctx context.Context, rec domain.ImageRecord) (domain.ImageRecord, error) {
	out, err := s.Store.StoreImage(ctx, rec)
	if err != nil {
		return out, err
	}
	return out, s.persist(ctx)
}

// SaveDetection replaces the detection record, then snapshots to Postgres.
func (s *Store) SaveDetection(ctx context.Context, imageID string, det domain.Detection) (domain.ImageRecord, error) {
	out, err := s.Store.SaveDetection(ctx, imageID, det)
	if err != nil {
		return out, err
	}
	return out, s.persist(ctx)
}

// UpdateAnnotations appends overlay markers, then snapshots to Postgres.
func (s *Store) UpdateAnnotations(ctx context.Context, imageID string, added, removed []domain.Colony) (domain.ImageRecord, error) {
	out, err := s.Store.UpdateAnnotations(ctx, imageID, added, removed)
	if err != nil {
		return out, err
	}
	return out, s.persist(ctx)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
