// Package testing holds shared test helpers.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/borgitory/borgitory/db"
)

// OpenTestDB opens a fully migrated SQLite database in a per-test temp
// directory. Cleanup is registered via t.Cleanup().
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
