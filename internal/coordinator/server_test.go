package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/pkg/gpsapi"
)

func TestStatusHandler(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t, testScenario(), realParam())
	require.NoError(t, e.Init(ctx))
	require.NoError(t, client.Heartbeat(ctx, gpsapi.WorkerStatus{WorkerID: "w7", Host: "h"}, time.Minute))

	reg := observability.NewRegistry()
	reg.IncCounter("coordinator_decisions_total", map[string]string{"param": "x", "op": "Keep"}, 2)
	h, err := NewStatusHandler(e, client, reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, e.Epoch(), status.Epoch)
	assert.Equal(t, 1, status.Queue.Queued)
	assert.Equal(t, 5.0, status.Incumbent["x"].Float())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"worker_id":"w7"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gps_coordinator_decisions_total{op="Keep",param="x"} 2`)
}
