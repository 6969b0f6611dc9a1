package repository

import (
	"context"
	"testing"

	"github.com/foxzi/rekindle/internal/db"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	d, err := db.Open(context.Background(), db.DriverSQLite, db.MemoryDSN)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return d
}

func strPtr(s string) *string {
	return &s
}
