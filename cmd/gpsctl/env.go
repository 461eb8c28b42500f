package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workerEnvKeys is the order keys are written in. gps-worker reads them
// through worker/internal/config.
var workerEnvKeys = []string{"GPS_SCENARIO", "GPS_WORKER_ID", "GPS_SCRATCH_ROOT", "GPS_HEARTBEAT_SECONDS"}

// workerEnv renders an env file with keys in a stable order. Empty values
// are left out so the worker's defaults apply.
func workerEnv(vars map[string]string) []byte {
	var buf bytes.Buffer
	for _, k := range workerEnvKeys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			fmt.Fprintf(&buf, "%s=%s\n", k, quoteEnv(v))
		}
	}
	return buf.Bytes()
}

// writeWorkerEnv writes the env file readable by its owner only.
func writeWorkerEnv(path string, vars map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	if err := os.WriteFile(path, workerEnv(vars), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

func quoteEnv(v string) string {
	if !strings.ContainsAny(v, " \t\n\"'$") {
		return v
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`).Replace(v) + `"`
}

func defaultWorkerID() string {
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		return h
	}
	return ""
}

// defaultEnvPath is worker.env under the user's config dir.
func defaultEnvPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "gps", "worker.env")
}
