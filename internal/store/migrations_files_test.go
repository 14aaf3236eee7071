package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var migrationName = regexp.MustCompile(`^\d{4}_[a-z0-9_]+\.up\.sql$`)

func TestMigrationFilesWellFormed(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations found")
	}

	for _, entry := range entries {
		name := entry.Name()
		if !migrationName.MatchString(name) {
			t.Errorf("migration %q does not match NNNN_name.up.sql", name)
		}
		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			t.Errorf("migration %q is empty", name)
		}
	}
}
