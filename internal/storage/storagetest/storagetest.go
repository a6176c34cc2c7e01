// Package storagetest provides in-memory databases for tests.
package storagetest

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/providentiaww/identity-server/internal/storage"
)

// OpenSQLite creates an in-memory SQLite database with the grant tables
// migrated. The pool is pinned to one connection so every query sees the same
// in-memory database.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := storage.MigrateGrants(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}
