package memory

import "softagar/pkg/domain"

// Snapshot captures a point-in-time clone of the store state. The SQL-backed
// stores marshal it after every successful mutation and hydrate from it on
// startup.
type Snapshot struct {
	Sessions map[string]domain.Session     `json:"sessions"`
	Images   map[string]domain.ImageRecord `json:"images"`
}

// ExportState clones the current state. Shards are read-locked in index
// order, so the snapshot is consistent per shard and never tears a record.
func (s *Store) ExportState() Snapshot {
	snap := Snapshot{
		Sessions: make(map[string]domain.Session),
		Images:   make(map[string]domain.ImageRecord),
	}
	for _, sh := range s.sessionShards {
		sh.mu.RLock()
		for id, sess := range sh.sessions {
			snap.Sessions[id] = cloneSession(sess)
		}
		sh.mu.RUnlock()
	}
	for _, sh := range s.imageShards {
		sh.mu.RLock()
		for id, rec := range sh.images {
			snap.Images[id] = cloneImage(rec)
		}
		sh.mu.RUnlock()
	}
	return snap
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snap Snapshot) {
	snap = migrateSnapshot(snap)
	for _, sh := range s.sessionShards {
		sh.mu.Lock()
		sh.sessions = make(map[string]domain.Session)
		sh.mu.Unlock()
	}
	for _, sh := range s.imageShards {
		sh.mu.Lock()
		sh.images = make(map[string]domain.ImageRecord)
		sh.mu.Unlock()
	}
	for id, sess := range snap.Sessions {
		sh := s.sessionShard(id)
		sh.mu.Lock()
		sh.sessions[id] = cloneSession(sess)
		sh.mu.Unlock()
	}
	for id, rec := range snap.Images {
		sh := s.imageShard(id)
		sh.mu.Lock()
		sh.images[id] = cloneImage(rec)
		sh.mu.Unlock()
	}
}

// migrateSnapshot normalizes snapshots written by older builds: nil maps,
// images whose owning session vanished, and session image lists referencing
// missing records.
func migrateSnapshot(snap Snapshot) Snapshot {
	if snap.Sessions == nil {
		snap.Sessions = map[string]domain.Session{}
	}
	if snap.Images == nil {
		snap.Images = map[string]domain.ImageRecord{}
	}
	for id, rec := range snap.Images {
		if rec.SessionID == "" {
			delete(snap.Images, id)
			continue
		}
		if _, ok := snap.Sessions[rec.SessionID]; !ok {
			delete(snap.Images, id)
		}
	}
	for id, sess := range snap.Sessions {
		kept := sess.ImageIDs[:0]
		for _, imageID := range sess.ImageIDs {
			if _, ok := snap.Images[imageID]; ok {
				kept = append(kept, imageID)
			}
		}
		sess.ImageIDs = kept
		snap.Sessions[id] = sess
	}
	return snap
}
