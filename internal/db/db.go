// Package db keeps a sqlite catalog of acquisition sessions and the
// spectra recorded for them, next to the on-disk session tree.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/gamma.report/internal/timeutil"
)

type DB struct {
	*sql.DB

	// Clock stamps session and spectrum rows.
	Clock timeutil.Clock
	// BackupDir is where the admin backup handler writes snapshots before
	// streaming them. Empty means the system temp directory.
	BackupDir string
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// NewDB opens the catalog at path and applies pending migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	// A single connection keeps PRAGMA foreign_keys in effect for every
	// statement and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, Clock: timeutil.RealClock{}}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) now() float64 {
	t := db.Clock.Now()
	return float64(t.UnixNano()) / 1e9
}
