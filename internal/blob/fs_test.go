package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func TestFilesystemPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	payload := []byte("\x89PNG fake image payload")
	info, err := store.Put(ctx, "sessions/s1/img1", bytes.NewReader(payload), PutOptions{ContentType: "image/png", Metadata: map[string]string{"filename": "plate.png"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", info.Size, len(payload))
	}
	if info.ETag == "" {
		t.Fatalf("expected etag")
	}

	got, rc, err := store.Get(ctx, "sessions/s1/img1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch")
	}
	if got.ContentType != "image/png" || got.Metadata["filename"] != "plate.png" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}

func TestFilesystemPutRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("a"), PutOptions{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("b"), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestFilesystemRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("key %q: expected sanitize error", key)
		}
	}
}

func TestFilesystemListAndDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	for _, key := range []string{"sessions/a/1", "sessions/a/2", "sessions/b/1"} {
		if _, err := store.Put(ctx, key, strings.NewReader(key), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "sessions/a/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "sessions/a/1" || infos[1].Key != "sessions/a/2" {
		t.Fatalf("unexpected listing: %+v", infos)
	}

	ok, err := store.Delete(ctx, "sessions/a/1")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = store.Delete(ctx, "sessions/a/1")
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
	if _, err := store.Head(ctx, "sessions/a/1"); err == nil {
		t.Fatalf("expected head failure after delete")
	}
}

func TestFilesystemPresignUnsupported(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	if _, err := store.PresignURL(context.Background(), "k", SignedURLOptions{}); err != ErrUnsupported {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}
