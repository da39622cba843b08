// Package storagetest opens throwaway SQLite stores for tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"conduction/internal/storage"
	logx "conduction/pkg/logx"
)

// Open returns a migrated SQLite store under t.TempDir, closed on cleanup.
func Open(t testing.TB) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "conduction.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
