package schedule

import (
	"database/sql"
	"testing"

	cadencetest "github.com/teranos/cadence/internal/testing"
)

// createTestDB creates an in-memory, fully-migrated test database.
func createTestDB(t *testing.T) *sql.DB {
	return cadencetest.CreateTestDB(t)
}
