// Package core implements the colony counting service: image intake,
// detection runs, annotation reconciliation, and result assembly on top of a
// RecordStore and a blob store.
package core

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"softagar/internal/blob"
	"softagar/internal/detect"
	"softagar/internal/imageio"
	"softagar/pkg/domain"
)

// Service exposes the colony counter operations. Detection and image
// decoding run outside any store lock; only the resulting record mutation is
// serialized per image.
type Service struct {
	store   domain.RecordStore
	blobs   blob.Store
	engine  detect.Engine
	metrics MetricsRecorder
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// Option customizes service construction.
type Option func(*Service)

// WithMetricsRecorder wires a metrics sink for operation outcomes.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides image identifier minting, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs a service backed by the supplied record store, blob
// store, and detection engine.
func NewService(store domain.RecordStore, blobs blob.Store, engine detect.Engine, opts ...Option) *Service {
	s := &Service{
		store:   store,
		blobs:   blobs,
		engine:  engine,
		metrics: NoopMetricsRecorder{},
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying record store.
func (s *Service) Store() domain.RecordStore { return s.store }

// Blobs returns the underlying blob store.
func (s *Service) Blobs() blob.Store { return s.blobs }

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.Observe(ctx, operation, err == nil, elapsed)
	evt := s.logger.Debug()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("operation", operation).Dur("elapsed", elapsed).Msg("service operation")
}

// imageKey maps an image to its blob location.
func imageKey(sessionID, imageID string) string {
	return "sessions/" + sessionID + "/" + imageID
}

// EnsureSession resolves candidateID to a session, minting a fresh one when
// the candidate is blank or unknown.
func (s *Service) EnsureSession(ctx context.Context, candidateID string) (sess domain.Session, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "ensure_session", start, err) }()
	sess, err = s.store.EnsureSession(ctx, candidateID)
	return sess, err
}

// StoreImage persists the raw payload to blob storage and registers the
// image record under sessionID. Payload bytes land in the blob store before
// the record becomes visible.
func (s *Service) StoreImage(ctx context.Context, sessionID, filename string, data []byte) (rec domain.ImageRecord, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "store_image", start, err) }()

	if filename == "" {
		return domain.ImageRecord{}, domain.ValidationError{Reason: "filename must not be empty"}
	}
	if len(data) == 0 {
		return domain.ImageRecord{}, domain.ValidationError{Reason: "image payload must not be empty"}
	}
	if _, err = s.store.GetSession(ctx, sessionID); err != nil {
		return domain.ImageRecord{}, err
	}

	id := s.newID()
	key := imageKey(sessionID, id)
	contentType, ok := imageio.GuessMediaType(filename)
	if !ok {
		contentType = "application/octet-stream"
	}
	if _, err = s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"filename": filename},
	}); err != nil {
		return domain.ImageRecord{}, domain.ProcessingError{Stage: "blob", Err: err}
	}

	rec, err = s.store.StoreImage(ctx, domain.ImageRecord{
		ID:        id,
		SessionID: sessionID,
		Filename:  filename,
		Path:      key,
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		// Roll the orphaned payload back so a retry can reuse the key.
		if _, delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn().Err(delErr).Str("key", key).Msg("orphan blob cleanup failed")
		}
		return domain.ImageRecord{}, err
	}
	return rec, nil
}

// GetImage returns the image record for id.
func (s *Service) GetImage(ctx context.Context, id string) (rec domain.ImageRecord, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "get_image", start, err) }()
	rec, err = s.store.GetImage(ctx, id)
	return rec, err
}

// OpenImage returns the record together with a reader over the stored
// payload. The caller closes the reader.
func (s *Service) OpenImage(ctx context.Context, id string) (domain.ImageRecord, io.ReadCloser, error) {
	var err error
	start := time.Now()
	defer func() { s.observe(ctx, "open_image", start, err) }()

	rec, err := s.store.GetImage(ctx, id)
	if err != nil {
		return domain.ImageRecord{}, nil, err
	}
	_, rc, blobErr := s.blobs.Get(ctx, rec.Path)
	if blobErr != nil {
		err = domain.ProcessingError{Stage: "blob", Err: blobErr}
		return domain.ImageRecord{}, nil, err
	}
	return rec, rc, nil
}

// Preview re-encodes the stored image as PNG for browser rendering of
// formats like TIFF.
func (s *Service) Preview(ctx context.Context, id string) (png []byte, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "preview", start, err) }()

	rec, rc, err := s.OpenImage(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, decErr := imageio.Decode(rc)
	if decErr != nil {
		return nil, domain.ProcessingError{Stage: "preview", Err: fmt.Errorf("%s: %w", rec.Filename, decErr)}
	}
	png, encErr := imageio.EncodePNG(img)
	if encErr != nil {
		return nil, domain.ProcessingError{Stage: "preview", Err: encErr}
	}
	return png, nil
}

// ProcessOutcome carries a completed detection run.
type ProcessOutcome struct {
	Record domain.ImageRecord
	Mask   *image.Gray
}

// ProcessImage runs colony detection on the stored payload and replaces the
// image's detection record. A failed run leaves the record untouched.
func (s *Service) ProcessImage(ctx context.Context, imageID string, params detect.Params) (out ProcessOutcome, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "process_image", start, err) }()

	rec, rc, err := s.OpenImage(ctx, imageID)
	if err != nil {
		return ProcessOutcome{}, err
	}
	img, _, decErr := func() (image.Image, string, error) {
		defer rc.Close()
		return imageio.Decode(rc)
	}()
	if decErr != nil {
		err = domain.ProcessingError{Stage: "decode", Err: fmt.Errorf("%s: %w", rec.Filename, decErr)}
		return ProcessOutcome{}, err
	}

	res, detErr := s.engine.Detect(ctx, img, params)
	if detErr != nil {
		err = domain.ProcessingError{Stage: "detect", Err: detErr}
		return ProcessOutcome{}, err
	}

	colonies := make([]domain.Colony, len(res.Colonies))
	for i, c := range res.Colonies {
		colonies[i] = domain.Colony{X: c.X, Y: c.Y, Radius: c.Radius, Area: c.Area}
	}
	updated, saveErr := s.store.SaveDetection(ctx, imageID, domain.Detection{
		Colonies:   colonies,
		Count:      res.Count,
		Parameters: params.Map(),
		RunAt:      s.now(),
	})
	if saveErr != nil {
		err = saveErr
		return ProcessOutcome{}, err
	}
	return ProcessOutcome{Record: updated, Mask: res.Mask}, nil
}

// UpdateAnnotations appends manual markers to the image's overlay and
// returns the updated record.
func (s *Service) UpdateAnnotations(ctx context.Context, imageID string, added, removed []domain.Colony) (rec domain.ImageRecord, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "update_annotations", start, err) }()
	rec, err = s.store.UpdateAnnotations(ctx, imageID, added, removed)
	return rec, err
}

// SessionRecords returns the session's image records in upload order.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) (recs []domain.ImageRecord, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "session_records", start, err) }()
	recs, err = s.store.SessionRecords(ctx, sessionID)
	return recs, err
}
