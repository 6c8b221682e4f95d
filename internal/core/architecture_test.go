package core

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyCorePackageImportsPersistenceDrivers ensures handlers and other
// callers depend on the domain.RecordStore interface rather than importing
// concrete persistence drivers directly.
func TestOnlyCorePackageImportsPersistenceDrivers(t *testing.T) {
	driverPrefix := "softagar/internal/infra/persistence"
	allowedPrefix := "softagar/internal/core"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "softagar/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, driverPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == driverPrefix || strings.HasPrefix(importPath, driverPrefix+"/") {
				pos := filepath.Join(pkg.PkgPath, "...")
				seen[pos+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of persistence driver: %s", v)
		}
		t.Fatalf("found %d forbidden imports of persistence drivers", len(violations))
	}
}
