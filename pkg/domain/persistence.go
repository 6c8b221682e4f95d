package domain

import "context"

// RecordStore is the aggregate owning sessions, image records, detections,
// and annotation overlays. Every mutating operation is atomic with respect to
// other operations on the same identifier; operations on different
// identifiers do not block one another.
type RecordStore interface {
	// EnsureSession returns the session for candidateID when it is already
	// known; otherwise it mints a fresh opaque identifier (ignoring an
	// unknown candidate) and registers an empty session. Idempotent for
	// known identifiers.
	EnsureSession(ctx context.Context, candidateID string) (Session, error)

	// GetSession fails with NotFoundError for unknown identifiers.
	GetSession(ctx context.Context, id string) (Session, error)

	// StoreImage registers rec under rec.SessionID and appends its ID to the
	// owning session, preserving insertion order. The caller persists the
	// image bytes before registering; rec.Path must reference them. A blank
	// rec.ID is replaced with a fresh identifier; a conflicting ID is
	// rejected.
	StoreImage(ctx context.Context, rec ImageRecord) (ImageRecord, error)

	// GetImage fails with NotFoundError for unknown identifiers.
	GetImage(ctx context.Context, id string) (ImageRecord, error)

	// SaveDetection atomically replaces the image's detection record and
	// resets its annotation overlay. Prior colonies, count, and parameters
	// are discarded.
	SaveDetection(ctx context.Context, imageID string, det Detection) (ImageRecord, error)

	// UpdateAnnotations appends the supplied markers to the image's running
	// manual_added and manual_removed collections and returns the updated
	// record.
	UpdateAnnotations(ctx context.Context, imageID string, added, removed []Colony) (ImageRecord, error)

	// SessionRecords returns the session's image records in insertion order.
	// A known session with no images yields an empty slice; an unknown
	// session yields NotFoundError.
	SessionRecords(ctx context.Context, sessionID string) ([]ImageRecord, error)
}
