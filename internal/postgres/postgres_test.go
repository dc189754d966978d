package postgres

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/postgres/migrations"
)

func TestGooseLoggerLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	gl := gooseLogger{log: logger}

	gl.Fatalf("migration %d failed: %s", 42, "syntax error")
	gl.Printf("applied migration %d", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}

	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first entry: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second entry: %v", err)
	}

	if first["level"] != "error" {
		t.Errorf("Fatalf level = %q, want %q", first["level"], "error")
	}
	if first["message"] != "migration 42 failed: syntax error" {
		t.Errorf("Fatalf message = %q", first["message"])
	}
	if second["level"] != "info" {
		t.Errorf("Printf level = %q, want %q", second["level"], "info")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migration files")
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			t.Errorf("unexpected embedded file %q", e.Name())
		}
	}
}
