package core

import (
	"path/filepath"
	"testing"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	t.Setenv("SOFTAGAR_STORAGE_DRIVER", "memory")
	store, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestOpenPersistentStoreSQLiteDefault(t *testing.T) {
	t.Setenv("SOFTAGAR_STORAGE_DRIVER", "")
	t.Setenv("SOFTAGAR_SQLITE_PATH", filepath.Join(t.TempDir(), "records.db"))
	store, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	t.Setenv("SOFTAGAR_STORAGE_DRIVER", "floppy")
	if _, err := OpenPersistentStore(nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
