package core

import (
	"fmt"
	"os"

	"softagar/internal/infra/persistence/memory"
	"softagar/internal/infra/persistence/postgres"
	"softagar/internal/infra/persistence/sqlite"
	"softagar/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a record store backend using environment
// variables. Defaults to sqlite when unset.
//
//	SOFTAGAR_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	SOFTAGAR_SQLITE_PATH: path to sqlite file (default ./softagar.db)
//	SOFTAGAR_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *domain.RulesEngine) (domain.RecordStore, error) {
	driver := os.Getenv("SOFTAGAR_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("SOFTAGAR_SQLITE_PATH"), engine)
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("SOFTAGAR_POSTGRES_DSN"), engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
