package core

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"softagar/internal/blob"
	"softagar/internal/detect"
	"softagar/internal/imageio"
	"softagar/internal/infra/persistence/memory"
	"softagar/pkg/domain"
)

type fakeEngine struct {
	colonies []detect.Colony
	err      error
	calls    int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Detect(_ context.Context, _ image.Image, _ detect.Params) (detect.Result, error) {
	f.calls++
	if f.err != nil {
		return detect.Result{}, f.err
	}
	return detect.Result{Colonies: f.colonies, Count: len(f.colonies), Mask: image.NewGray(image.Rect(0, 0, 1, 1))}, nil
}

func newTestService(t *testing.T, engine detect.Engine) *Service {
	t.Helper()
	if engine == nil {
		engine = detect.NewThresholdEngine()
	}
	return NewService(memory.NewStore(nil), blob.NewMemory(), engine)
}

func pngPayload(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	data, err := imageio.EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestStoreImagePersistsBytesBeforeRecord(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	sess, err := svc.EnsureSession(ctx, "")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	rec, err := svc.StoreImage(ctx, sess.ID, "plate.png", pngPayload(t))
	if err != nil {
		t.Fatalf("store image: %v", err)
	}
	if rec.SessionID != sess.ID || rec.Filename != "plate.png" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Path != "sessions/"+sess.ID+"/"+rec.ID {
		t.Fatalf("path = %s", rec.Path)
	}

	info, err := svc.Blobs().Head(ctx, rec.Path)
	if err != nil {
		t.Fatalf("head blob: %v", err)
	}
	if info.Size != rec.SizeBytes || info.ContentType != "image/png" {
		t.Fatalf("blob info mismatch: %+v vs record %+v", info, rec)
	}
}

func TestStoreImageValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	sess, _ := svc.EnsureSession(ctx, "")

	if _, err := svc.StoreImage(ctx, sess.ID, "", pngPayload(t)); !domain.IsValidation(err) {
		t.Fatalf("empty filename: got %v", err)
	}
	if _, err := svc.StoreImage(ctx, sess.ID, "plate.png", nil); !domain.IsValidation(err) {
		t.Fatalf("empty payload: got %v", err)
	}
	if _, err := svc.StoreImage(ctx, "no-such-session", "plate.png", pngPayload(t)); !domain.IsNotFound(err) {
		t.Fatalf("unknown session: got %v", err)
	}
}

func TestStoreImageCleansUpBlobWhenRegistrationFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	svc := NewService(store, blob.NewMemory(), detect.NewThresholdEngine(),
		WithIDGenerator(func() string { return "fixed-id" }))
	sess, _ := svc.EnsureSession(ctx, "")

	if _, err := svc.StoreImage(ctx, sess.ID, "a.png", pngPayload(t)); err != nil {
		t.Fatalf("first store: %v", err)
	}
	// Same generated ID collides in the record store; the orphaned payload
	// must be removed so the key stays reusable.
	if _, err := svc.StoreImage(ctx, sess.ID, "b.png", pngPayload(t)); err == nil {
		t.Fatalf("expected ID conflict")
	}
	infos, err := svc.Blobs().List(ctx, "sessions/"+sess.ID+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("blob count = %d, want 1", len(infos))
	}
}

func TestProcessImageSavesDetection(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{colonies: []detect.Colony{{X: 4, Y: 5, Radius: 2, Area: 12}, {X: 9, Y: 9, Radius: 3, Area: 28}}}
	svc := newTestService(t, engine)
	sess, _ := svc.EnsureSession(ctx, "")
	rec, _ := svc.StoreImage(ctx, sess.ID, "plate.png", pngPayload(t))

	params := detect.DefaultParams()
	params.Threshold = 90
	out, err := svc.ProcessImage(ctx, rec.ID, params)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Record.Detection == nil || out.Record.Detection.Count != 2 {
		t.Fatalf("detection = %+v", out.Record.Detection)
	}
	if got := out.Record.Detection.Parameters["threshold"]; got != 90 {
		t.Fatalf("threshold param = %v", got)
	}
	if out.Mask == nil {
		t.Fatalf("expected mask")
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d", engine.calls)
	}
}

func TestProcessImageFailureLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{colonies: []detect.Colony{{X: 1, Y: 1, Radius: 1, Area: 4}}}
	svc := newTestService(t, engine)
	sess, _ := svc.EnsureSession(ctx, "")
	rec, _ := svc.StoreImage(ctx, sess.ID, "plate.png", pngPayload(t))

	if _, err := svc.ProcessImage(ctx, rec.ID, detect.DefaultParams()); err != nil {
		t.Fatalf("first process: %v", err)
	}

	engine.err = errors.New("camera on fire")
	_, err := svc.ProcessImage(ctx, rec.ID, detect.DefaultParams())
	if !domain.IsProcessing(err) {
		t.Fatalf("expected processing error, got %v", err)
	}

	got, _ := svc.GetImage(ctx, rec.ID)
	if got.Detection == nil || got.Detection.Count != 1 {
		t.Fatalf("detection clobbered by failed run: %+v", got.Detection)
	}
}

func TestProcessImageUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	sess, _ := svc.EnsureSession(ctx, "")
	rec, err := svc.StoreImage(ctx, sess.ID, "junk.png", []byte("not an image"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	_, err = svc.ProcessImage(ctx, rec.ID, detect.DefaultParams())
	if !domain.IsProcessing(err) {
		t.Fatalf("expected processing error, got %v", err)
	}
}

// Full counting flow: automatic detection, then manual corrections feeding
// the final count.
func TestAnnotationReconciliationFlow(t *testing.T) {
	ctx := context.Background()
	colonies := make([]detect.Colony, 42)
	for i := range colonies {
		colonies[i] = detect.Colony{X: float64(i), Y: float64(i), Radius: 2, Area: 12}
	}
	svc := newTestService(t, &fakeEngine{colonies: colonies})
	sess, _ := svc.EnsureSession(ctx, "")
	rec, _ := svc.StoreImage(ctx, sess.ID, "plate.png", pngPayload(t))

	if _, err := svc.ProcessImage(ctx, rec.ID, detect.DefaultParams()); err != nil {
		t.Fatalf("process: %v", err)
	}

	updated, err := svc.UpdateAnnotations(ctx, rec.ID,
		[]domain.Colony{{X: 1, Y: 2, Radius: 3}, {X: 4, Y: 5, Radius: 3}},
		[]domain.Colony{{X: 7, Y: 8}, {X: 9, Y: 10}, {X: 11, Y: 12}})
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if updated.AutoCount() != 42 {
		t.Fatalf("auto count = %d, want 42", updated.AutoCount())
	}
	if got := updated.FinalCount(); got != 41 {
		t.Fatalf("final count = %d, want 41", got)
	}

	// Annotations accumulate across calls.
	updated, err = svc.UpdateAnnotations(ctx, rec.ID, []domain.Colony{{X: 20, Y: 20}}, nil)
	if err != nil {
		t.Fatalf("second annotate: %v", err)
	}
	if len(updated.ManualAdded) != 3 || len(updated.ManualRemoved) != 3 {
		t.Fatalf("overlay = +%d/-%d, want +3/-3", len(updated.ManualAdded), len(updated.ManualRemoved))
	}
	if got := updated.FinalCount(); got != 42 {
		t.Fatalf("final count = %d, want 42", got)
	}
}

func TestPreviewReturnsPNG(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	sess, _ := svc.EnsureSession(ctx, "")
	rec, _ := svc.StoreImage(ctx, sess.ID, "plate.png", pngPayload(t))

	data, err := svc.Preview(ctx, rec.ID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, format, err := imageio.DecodeBytes(data); err != nil || format != "png" {
		t.Fatalf("preview not png: format=%s err=%v", format, err)
	}

	if _, err := svc.Preview(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceMetricsObservation(t *testing.T) {
	ctx := context.Background()
	rec := NewExpvarMetricsRecorder("")
	svc := NewService(memory.NewStore(nil), blob.NewMemory(), detect.NewThresholdEngine(),
		WithMetricsRecorder(rec),
		WithClock(func() time.Time { return time.Unix(100, 0).UTC() }))

	if _, err := svc.EnsureSession(ctx, ""); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if _, err := svc.GetImage(ctx, "missing"); err == nil {
		t.Fatalf("expected not found")
	}

	snap := rec.Snapshot()
	if snap.Results["ensure_session"]["success"] != 1 {
		t.Fatalf("expected ensure_session success, got %+v", snap.Results)
	}
	if snap.Results["get_image"]["error"] != 1 {
		t.Fatalf("expected get_image error, got %+v", snap.Results)
	}
}
