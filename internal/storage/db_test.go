package storage

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestOpenSqliteAppliesMigrations(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "test.db")

	db, err := Open(Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	defer sqlDB.Close()

	if err := Ping(context.Background(), db); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if !db.Migrator().HasTable("tasks") {
		t.Fatalf("expected tasks table to exist after migration")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x", Logger: zap.NewNop()})
	if err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestOpenRequiresLogger(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(Config{Driver: "sqlite", DSN: filepath.Join(dir, "x.db")})
	if err == nil {
		t.Fatalf("expected error when logger is nil")
	}
}
