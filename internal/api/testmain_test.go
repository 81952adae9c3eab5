package api

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/monitoring"
)

// catalogTemplate is a migrated catalog shared by every test in the package.
var catalogTemplate []byte

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	if err := buildCatalogTemplate(); err != nil {
		fmt.Fprintf(os.Stderr, "catalog template: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func buildCatalogTemplate() error {
	dir, err := os.MkdirTemp("", "gamma-api-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "template.db")
	catalog, err := db.NewDB(path)
	if err != nil {
		return err
	}
	if _, err := catalog.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		catalog.Close()
		return err
	}
	if err := catalog.Close(); err != nil {
		return err
	}
	catalogTemplate, err = os.ReadFile(path)
	return err
}

// cloneAPITestDB writes a fresh copy of the migrated catalog and returns its
// path.
func cloneAPITestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	if err := os.WriteFile(path, catalogTemplate, 0o600); err != nil {
		t.Fatalf("clone catalog: %v", err)
	}
	return path
}
