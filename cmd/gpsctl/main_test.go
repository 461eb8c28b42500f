package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkerEnvQuotesAndOrdersKeys(t *testing.T) {
	got := string(workerEnv(map[string]string{
		"GPS_WORKER_ID":    "w 1",
		"GPS_SCENARIO":     "/srv/gps/scenario.yaml",
		"GPS_SCRATCH_ROOT": "",
	}))
	want := "GPS_SCENARIO=/srv/gps/scenario.yaml\nGPS_WORKER_ID=\"w 1\"\n"
	if got != want {
		t.Fatalf("unexpected env file:\n%s", got)
	}
}

func TestQuoteEnvEscapesShellExpansion(t *testing.T) {
	if got := quoteEnv(`a"b $HOME`); got != `"a\"b \$HOME"` {
		t.Fatalf("unexpected quoting %s", got)
	}
	if got := quoteEnv("plain"); got != "plain" {
		t.Fatalf("plain value was quoted: %s", got)
	}
}

func TestWriteWorkerEnvIsPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "worker.env")
	if err := writeWorkerEnv(path, map[string]string{"GPS_SCENARIO": "/s.yaml", "GPS_HEARTBEAT_SECONDS": "5"}); err != nil {
		t.Fatalf("write env: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("env file mode %v, want 0600", info.Mode().Perm())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "GPS_SCENARIO=/s.yaml\nGPS_HEARTBEAT_SECONDS=5\n" {
		t.Fatalf("unexpected env file:\n%s", b)
	}
}
