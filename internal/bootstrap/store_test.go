package bootstrap

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/state"
)

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore(scenario.Store{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*state.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}

	s, err = NewStore(scenario.Store{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "gps.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*state.SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}

	if _, err := NewStore(scenario.Store{Backend: "redis"}); err == nil {
		t.Fatal("expected error for redis without an address")
	}
	if _, err := NewStore(scenario.Store{Backend: "etcd"}); err == nil || !strings.Contains(err.Error(), "GPS_STORE") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}
