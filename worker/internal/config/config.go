package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	WorkerID          string
	ScenarioPath      string
	HeartbeatInterval time.Duration
	ScratchRoot       string
	// TraceDir overrides the scenario output directory for the run trace.
	TraceDir string
	// Grace is how long a wrapper may overrun its cutoff before it is
	// killed.
	Grace          time.Duration
	StartupTimeout time.Duration
	Verbose        bool
}

func FromEnv() Config {
	workerID := getenv("GPS_WORKER_ID", "worker-"+uuid.NewString()[:8])
	scenarioPath := getenv("GPS_SCENARIO", "scenario.yaml")
	hbSec := getenvInt("GPS_HEARTBEAT_SECONDS", 5)
	scratchRoot := getenv("GPS_SCRATCH_ROOT", filepath.Join(os.TempDir(), "gps-scratch"))
	traceDir := getenv("GPS_TRACE_DIR", "")
	graceMs := getenvInt("GPS_RUN_GRACE_MILLIS", 2000)
	startupSec := getenvInt("GPS_STARTUP_TIMEOUT_SECONDS", 300)
	verbose := getenvBool("GPS_VERBOSE", false)

	return Config{
		WorkerID:          workerID,
		ScenarioPath:      scenarioPath,
		HeartbeatInterval: time.Duration(hbSec) * time.Second,
		ScratchRoot:       scratchRoot,
		TraceDir:          traceDir,
		Grace:             time.Duration(graceMs) * time.Millisecond,
		StartupTimeout:    time.Duration(startupSec) * time.Second,
		Verbose:           verbose,
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
