package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/state"
)

// OpenClient opens the store selected by the scenario and returns a client
// scoped to the scenario's run name. The memory backend only works when the
// coordinator and its workers share the process.
func OpenClient(s scenario.Scenario) (*state.Client, error) {
	store, err := NewStore(s.Store)
	if err != nil {
		return nil, err
	}
	return state.NewClient(store, s.Store.Prefix, s.Name), nil
}

func NewStore(cfg scenario.Store) (state.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis address is required when GPS_STORE=redis")
		}
		timeoutMs := getenvInt("GPS_REDIS_TIMEOUT_MS", 3000)
		return state.NewRedisStore(state.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  time.Duration(timeoutMs) * time.Millisecond,
			Retry: state.RetryPolicy{
				MaxAttempts: getenvInt("GPS_STORE_MAX_ATTEMPTS", state.DefaultRetryPolicy.MaxAttempts),
				BaseDelay:   state.DefaultRetryPolicy.BaseDelay,
				MaxDelay:    state.DefaultRetryPolicy.MaxDelay,
			},
		}), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = getenv("GPS_SQLITE_PATH", "gps.db")
		}
		return state.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported GPS_STORE value %q", cfg.Backend)
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
