// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by softagar's record store.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntitySession identifies a session record.
	EntitySession EntityType = "session"
	// EntityImage identifies an uploaded image record.
	EntityImage EntityType = "image"
)

// Action enumerates mutations applied to entities.
type Action string

// Mutation kinds recorded on Change entries.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Colony is a single colony marker, either produced by the automated
// detector or placed manually by a reviewer.
type Colony struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Area   float64 `json:"area,omitempty"`
}

// Detection is the latest automated detection attached to an image record.
// Storing a new detection fully replaces the previous one; there is no
// history of prior runs.
type Detection struct {
	Colonies []Colony `json:"colonies"`
	// Count is the scalar the detector reported at run time. It usually
	// equals len(Colonies) but the store never recomputes it, so a detector
	// may intentionally report a distinct (e.g. weighted) value.
	Count int `json:"count"`
	// Parameters holds the exact run configuration, verbatim, for
	// reproducibility and export. The store does not interpret it.
	Parameters map[string]any `json:"parameters"`
	RunAt      time.Time      `json:"run_at"`
}

// Session groups uploaded images sharing a lifecycle. Sessions are created
// on first use and never deleted within process lifetime.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// ImageIDs preserves insertion order; export ordering depends on it.
	ImageIDs []string `json:"image_ids"`
}

// ImageRecord is the stored metadata and byte-reference for one uploaded
// image, together with its latest detection and annotation overlay.
type ImageRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// Filename is the uploader-supplied name. Not unique.
	Filename string `json:"filename"`
	// Path is the blob key of the persisted original bytes. Exclusively
	// owned by the record store.
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Detection is the latest automated run, nil before the first run.
	Detection *Detection `json:"detection,omitempty"`

	// ManualAdded and ManualRemoved accumulate across annotation updates;
	// each update appends, it never replaces. Saving a new detection resets
	// both, since colony identities are not stable across re-detection.
	ManualAdded   []Colony `json:"manual_added,omitempty"`
	ManualRemoved []Colony `json:"manual_removed,omitempty"`
}

// AutoCount returns the automated count of the latest detection, zero when
// no detection has run yet.
func (r ImageRecord) AutoCount() int {
	if r.Detection == nil {
		return 0
	}
	return r.Detection.Count
}

// FinalCount derives the authoritative colony count: the automated count
// adjusted by manual corrections, floored at zero. Pure; safe to call
// repeatedly.
func (r ImageRecord) FinalCount() int {
	n := r.AutoCount() + len(r.ManualAdded) - len(r.ManualRemoved)
	if n < 0 {
		return 0
	}
	return n
}

// Change captures a single mutation for rule evaluation.
type Change struct {
	Entity EntityType
	Action Action
	// ImageBefore/ImageAfter are set for image mutations; After is always
	// set, Before only on updates.
	ImageBefore *ImageRecord
	ImageAfter  *ImageRecord
	// SessionAfter is set for session mutations.
	SessionAfter *Session
}
