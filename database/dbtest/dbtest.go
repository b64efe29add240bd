// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/mbolis/regional-survey/database"
)

// Open returns a migrated database stored in a temp directory, closed when
// the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Count returns the number of rows of table matching the optional where
// clause.
func Count(t testing.TB, db *sql.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
