package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/state"
	"github.com/example/gps/pkg/gpsapi"
)

// Status is the body of GET /v1/status.
type Status struct {
	Snapshot
	Budget  gpsapi.Budget     `json:"budget"`
	Elapsed float64           `json:"elapsed_seconds"`
	Queue   gpsapi.QueueState `json:"queue"`
}

// NewStatusHandler serves the run's status: the coordinator snapshot with
// budget and queue, live workers, and metrics in JSON and Prometheus form.
func NewStatusHandler(e *Engine, client *state.Client, reg *observability.Registry) (http.Handler, error) {
	if reg == nil {
		reg = observability.Default
	}
	prom, err := observability.Handler(reg)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		b, err := client.Budget(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		qs, err := client.QueueState(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, Status{
			Snapshot: e.Snapshot(),
			Budget:   b,
			Elapsed:  b.Elapsed(time.Now().UTC()),
			Queue:    qs,
		})
	})
	mux.HandleFunc("/v1/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		ws, err := client.Workers(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": ws})
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, reg.Snapshot())
	})
	mux.Handle("/metrics", prom)
	return mux, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
