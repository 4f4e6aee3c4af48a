package db

import (
	"path/filepath"
	"testing"

	"github.com/relaypool/gemini-relay/internal/db/models"
)

func TestInitDBMigratesAndReopens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	for _, table := range []string{"accounts", "api_keys", "request_logs", "settings"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("missing table %s", table)
		}
	}

	// A second open against the same file must not fail migrations.
	if _, err := InitDB(dbPath); err != nil {
		t.Fatalf("InitDB reopen: %v", err)
	}
}

func TestInitDBCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "relay.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if err := db.Create(&models.Setting{Key: "probe", Value: "ok"}).Error; err != nil {
		t.Fatalf("write after nested create: %v", err)
	}
}
