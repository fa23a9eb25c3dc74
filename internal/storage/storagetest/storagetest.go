// Package storagetest opens throwaway metadata databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"vfscore/internal/storage"
)

// Open returns a migrated database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "vfs.db"), storage.DefaultOptions())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
