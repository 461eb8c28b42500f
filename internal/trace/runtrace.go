package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/example/gps/pkg/gpsapi"
)

// RunTraceName is the file a worker appends its runs to.
func RunTraceName(workerID string) string {
	return "run-trace-worker-" + workerID + ".jsonl.zst"
}

// RunTrace is a worker's append-only run log. Every entry is written as its
// own zstd frame, so a trace cut short by a crash still decodes up to the
// last complete entry.
type RunTrace struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
}

func OpenRunTrace(dir, workerID string) (*RunTrace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, RunTraceName(workerID)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &RunTrace{f: f, enc: enc}, nil
}

func (r *RunTrace) Path() string { return r.f.Name() }

func (r *RunTrace) Append(e gpsapi.RunTraceEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.f.Write(r.enc.EncodeAll(append(b, '\n'), nil))
	return err
}

func (r *RunTrace) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Close()
	return r.f.Close()
}

// ReadRunTrace decodes a worker run trace.
func ReadRunTrace(path string) ([]gpsapi.RunTraceEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	var out []gpsapi.RunTraceEntry
	jd := json.NewDecoder(bytes.NewReader(data))
	for jd.More() {
		var e gpsapi.RunTraceEntry
		if err := jd.Decode(&e); err != nil {
			return out, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RunTraces lists the worker run traces in dir.
func RunTraces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "run-trace-worker-") && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
