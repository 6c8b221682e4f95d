// Package memory provides the in-memory implementation of the record store.
// It backs tests, ephemeral deployments, and the snapshotting SQL stores.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"softagar/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.RecordStore = (*Store)(nil)

// shardCount fixes the number of lock shards per entity kind. Identifiers
// hash onto shards so operations on different sessions or images do not
// serialize behind a single store-wide lock.
const shardCount = 16

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

type imageShard struct {
	mu     sync.RWMutex
	images map[string]domain.ImageRecord
}

// Store is a sharded in-memory record store.
type Store struct {
	sessionShards [shardCount]*sessionShard
	imageShards   [shardCount]*imageShard
	engine        *domain.RulesEngine
	nowFn         func() time.Time
	idFn          func() string
}

// NewStore constructs an in-memory store guarded by the provided rules
// engine. A nil engine falls back to the built-in rules.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.DefaultRulesEngine()
	}
	s := &Store{
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		idFn:   func() string { return uuid.NewString() },
	}
	for i := range s.sessionShards {
		s.sessionShards[i] = &sessionShard{sessions: make(map[string]domain.Session)}
	}
	for i := range s.imageShards {
		s.imageShards[i] = &imageShard{images: make(map[string]domain.ImageRecord)}
	}
	return s
}

// RulesEngine exposes the configured engine for integration points.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// SetNowFunc overrides the time source. Intended for tests.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// SetIDFunc overrides identifier generation. Intended for tests.
func (s *Store) SetIDFunc(fn func() string) { s.idFn = fn }

func shardIndex(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % shardCount)
}

func (s *Store) sessionShard(id string) *sessionShard { return s.sessionShards[shardIndex(id)] }
func (s *Store) imageShard(id string) *imageShard     { return s.imageShards[shardIndex(id)] }

func cloneSession(sess domain.Session) domain.Session {
	cp := sess
	cp.ImageIDs = append([]string(nil), sess.ImageIDs...)
	return cp
}

func cloneDetection(det *domain.Detection) *domain.Detection {
	if det == nil {
		return nil
	}
	cp := *det
	cp.Colonies = append([]domain.Colony(nil), det.Colonies...)
	if det.Parameters != nil {
		cp.Parameters = make(map[string]any, len(det.Parameters))
		for k, v := range det.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

func cloneImage(rec domain.ImageRecord) domain.ImageRecord {
	cp := rec
	cp.Detection = cloneDetection(rec.Detection)
	cp.ManualAdded = append([]domain.Colony(nil), rec.ManualAdded...)
	cp.ManualRemoved = append([]domain.Colony(nil), rec.ManualRemoved...)
	return cp
}

// EnsureSession returns the known session for candidateID unchanged, or
// registers a fresh one (minting a new identifier when the candidate is
// blank or unknown). It never fails.
func (s *Store) EnsureSession(ctx context.Context, candidateID string) (domain.Session, error) {
	if candidateID != "" {
		sh := s.sessionShard(candidateID)
		sh.mu.RLock()
		sess, ok := sh.sessions[candidateID]
		sh.mu.RUnlock()
		if ok {
			return cloneSession(sess), nil
		}
	}
	for {
		id := s.idFn()
		sh := s.sessionShard(id)
		sh.mu.Lock()
		if _, exists := sh.sessions[id]; exists {
			// Collision: mint again. uuid makes this unreachable in
			// practice, but the insertion-time check keeps the guarantee
			// independent of the generator.
			sh.mu.Unlock()
			continue
		}
		sess := domain.Session{ID: id, CreatedAt: s.nowFn()}
		if err := s.evaluate(ctx, domain.Change{Entity: domain.EntitySession, Action: domain.ActionCreate, SessionAfter: &sess}); err != nil {
			sh.mu.Unlock()
			return domain.Session{}, err
		}
		sh.sessions[id] = sess
		sh.mu.Unlock()
		return cloneSession(sess), nil
	}
}

// GetSession retrieves a session by identifier.
func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	sh := s.sessionShard(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return domain.Session{}, domain.NotFoundError{Entity: domain.EntitySession, ID: id}
	}
	return cloneSession(sess), nil
}

// StoreImage registers rec and appends its ID to the owning session. The
// caller must have persisted the bytes referenced by rec.Path already; no
// lock is held here during byte persistence.
func (s *Store) StoreImage(ctx context.Context, rec domain.ImageRecord) (domain.ImageRecord, error) {
	if rec.Filename == "" {
		return domain.ImageRecord{}, domain.ValidationError{Reason: "image filename required"}
	}
	if rec.Path == "" {
		return domain.ImageRecord{}, domain.ValidationError{Reason: "image path required"}
	}
	ssh := s.sessionShard(rec.SessionID)
	ssh.mu.RLock()
	_, ok := ssh.sessions[rec.SessionID]
	ssh.mu.RUnlock()
	if !ok {
		return domain.ImageRecord{}, domain.NotFoundError{Entity: domain.EntitySession, ID: rec.SessionID}
	}

	if rec.ID == "" {
		rec.ID = s.idFn()
	}
	rec.CreatedAt = s.nowFn()
	rec.UpdatedAt = rec.CreatedAt
	rec.Detection = nil
	rec.ManualAdded = nil
	rec.ManualRemoved = nil

	ish := s.imageShard(rec.ID)
	ish.mu.Lock()
	if _, exists := ish.images[rec.ID]; exists {
		ish.mu.Unlock()
		return domain.ImageRecord{}, domain.ValidationError{Reason: "image id already exists: " + rec.ID}
	}
	if err := s.evaluate(ctx, domain.Change{Entity: domain.EntityImage, Action: domain.ActionCreate, ImageAfter: &rec}); err != nil {
		ish.mu.Unlock()
		return domain.ImageRecord{}, err
	}
	ish.images[rec.ID] = cloneImage(rec)
	ish.mu.Unlock()

	// Sessions are append-only; the image insert above stands on its own,
	// so taking the session lock afterwards keeps the two lock families
	// strictly ordered.
	ssh.mu.Lock()
	sess := ssh.sessions[rec.SessionID]
	sess.ImageIDs = append(sess.ImageIDs, rec.ID)
	ssh.sessions[rec.SessionID] = sess
	ssh.mu.Unlock()

	return cloneImage(rec), nil
}

// GetImage retrieves an image record by identifier.
func (s *Store) GetImage(_ context.Context, id string) (domain.ImageRecord, error) {
	sh := s.imageShard(id)
	sh.mu.RLock()
	rec, ok := sh.images[id]
	sh.mu.RUnlock()
	if !ok {
		return domain.ImageRecord{}, domain.NotFoundError{Entity: domain.EntityImage, ID: id}
	}
	return cloneImage(rec), nil
}

// mutateImage applies fn to the record under its shard lock, evaluates rules,
// and commits. A half-written record is never observable: readers see either
// the prior or the committed state.
func (s *Store) mutateImage(ctx context.Context, id string, fn func(*domain.ImageRecord)) (domain.ImageRecord, error) {
	sh := s.imageShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.images[id]
	if !ok {
		return domain.ImageRecord{}, domain.NotFoundError{Entity: domain.EntityImage, ID: id}
	}
	before := cloneImage(cur)
	next := cloneImage(cur)
	fn(&next)
	next.ID = id
	next.UpdatedAt = s.nowFn()
	if err := s.evaluate(ctx, domain.Change{Entity: domain.EntityImage, Action: domain.ActionUpdate, ImageBefore: &before, ImageAfter: &next}); err != nil {
		return domain.ImageRecord{}, err
	}
	sh.images[id] = cloneImage(next)
	return next, nil
}

// SaveDetection replaces the latest detection and resets the annotation
// overlay. Manual markers reference colonies of the prior run; carrying them
// across a re-detection would corrupt the final count.
func (s *Store) SaveDetection(ctx context.Context, imageID string, det domain.Detection) (domain.ImageRecord, error) {
	return s.mutateImage(ctx, imageID, func(rec *domain.ImageRecord) {
		rec.Detection = cloneDetection(&det)
		rec.ManualAdded = nil
		rec.ManualRemoved = nil
	})
}

// UpdateAnnotations appends markers to the running overlay collections.
func (s *Store) UpdateAnnotations(ctx context.Context, imageID string, added, removed []domain.Colony) (domain.ImageRecord, error) {
	return s.mutateImage(ctx, imageID, func(rec *domain.ImageRecord) {
		rec.ManualAdded = append(rec.ManualAdded, added...)
		rec.ManualRemoved = append(rec.ManualRemoved, removed...)
	})
}

// SessionRecords returns the session's records in insertion order. Records
// registered or mutated concurrently are observed atomically per image.
func (s *Store) SessionRecords(ctx context.Context, sessionID string) ([]domain.ImageRecord, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ImageRecord, 0, len(sess.ImageIDs))
	for _, id := range sess.ImageIDs {
		rec, err := s.GetImage(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) evaluate(ctx context.Context, change domain.Change) error {
	if s.engine == nil {
		return nil
	}
	res, err := s.engine.Evaluate(ctx, change)
	if err != nil {
		return err
	}
	if res.HasBlocking() {
		return domain.RuleViolationError{Result: res}
	}
	return nil
}
