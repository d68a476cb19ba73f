// Package storetest opens throwaway sqlite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"golang-trust-loader/internal/store"
	"golang-trust-loader/pkg/logger"
)

// Open creates a file-backed sqlite store in a temp dir and runs the given
// schema statements. The store is closed when the test ends.
func Open(t testing.TB, schema ...string) *store.DB {
	t.Helper()

	cfg := store.Config{
		Driver:         store.DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "trust.db"),
		ConnectRetries: 1,
		MaxOpenConns:   4,
	}
	db, err := store.Open(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if len(schema) > 0 {
		if err := db.EnsureSchema(context.Background(), schema...); err != nil {
			t.Fatalf("create test schema: %v", err)
		}
	}
	return db
}
