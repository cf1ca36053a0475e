package db

import (
	"testing"

	"gorm.io/gorm"
)

// OpenForTest opens a private in-memory database with migrations applied.
func OpenForTest(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Open(Config{
		Driver: "sqlite",
		DSN:    "file::memory:",
		// A single connection keeps every query on the same in-memory DB.
		Pool:        PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
		SQLite:      SQLiteConfig{BusyTimeoutMs: 5000, ForeignKeys: true},
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}
