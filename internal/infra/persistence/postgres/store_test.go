package postgres

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("driver = %s, want %s", driverName, defaultDriver)
		}
		return nil, errors.New("boom")
	})
	defer restore()

	if _, err := NewStore("postgres://example/db", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open failure, got %v", err)
	}
}

func TestNewStoreDefaultDSN(t *testing.T) {
	var seen string
	restore := OverrideSQLOpen(func(_, dsn string) (*sql.DB, error) {
		seen = dsn
		return nil, errors.New("stop here")
	})
	defer restore()

	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected error from stub opener")
	}
	if seen != defaultDSN {
		t.Fatalf("dsn = %s, want %s", seen, defaultDSN)
	}
}
