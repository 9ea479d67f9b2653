package seeder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storetest"
)

func writeSeedFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeds.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func newTestLogger() *bytes.Buffer {
	return &bytes.Buffer{}
}

func TestSeederLoadsNormalizesAndDedupes(t *testing.T) {
	path := writeSeedFile(t, `
# comment line
wss://Relay.Example.com/
wss://relay.example.com
wss://relay.example.com:443/  # trailing comment
wss://other.example.org

`)
	st := storetest.New()
	buf := newTestLogger()
	log := service.NewLogger(service.LoggingConfig{Level: "debug"}, "seeder", buf)
	s := New(Config{SeedFile: path}, st, log)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if s.Loaded != 2 {
		t.Fatalf("expected 2 distinct candidates loaded, got %d", s.Loaded)
	}

	rows, err := st.ServiceStateGet(context.Background(), "validator", models.StateTypeCandidate, nil)
	if err != nil {
		t.Fatalf("ServiceStateGet failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 candidate rows, got %d", len(rows))
	}
	for _, row := range rows {
		var payload models.CandidatePayload
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			t.Fatalf("bad candidate payload: %v", err)
		}
		if payload.FailedAttempts != 0 {
			t.Errorf("expected failed_attempts=0, got %d", payload.FailedAttempts)
		}
	}
}

func TestSeederIsIdempotentAcrossRuns(t *testing.T) {
	path := writeSeedFile(t, "wss://relay.example.com\n")
	st := storetest.New()
	log := service.NewLogger(service.LoggingConfig{}, "seeder", newTestLogger())
	s := New(Config{SeedFile: path}, st, log)

	ctx := context.Background()
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	rows, err := st.ServiceStateGet(ctx, "validator", models.StateTypeCandidate, nil)
	if err != nil {
		t.Fatalf("ServiceStateGet failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 candidate row after two idempotent runs, got %d", len(rows))
	}
}

func TestSeederNeverTouchesRelayTable(t *testing.T) {
	path := writeSeedFile(t, "wss://relay.example.com\n")
	st := storetest.New()
	log := service.NewLogger(service.LoggingConfig{}, "seeder", newTestLogger())
	s := New(Config{SeedFile: path}, st, log)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	relays, err := st.ListRelays(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListRelays failed: %v", err)
	}
	if len(relays) != 0 {
		t.Fatalf("seeder must never write to the relay table, found %d rows", len(relays))
	}
}
