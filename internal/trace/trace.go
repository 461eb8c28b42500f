package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/example/gps/pkg/gpsapi"
)

const (
	IncumbentTraceFile = "incumbent-trace.jsonl"
	DecisionFile       = "decision-sequence.jsonl"
	IncumbentFile      = "incumbent.json"
)

// Writer appends the coordinator's traces to files in one output
// directory.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) AppendIncumbent(e gpsapi.IncumbentTraceEntry) error {
	return w.appendJSON(IncumbentTraceFile, e)
}

func (w *Writer) AppendDecision(e gpsapi.DecisionEntry) error {
	return w.appendJSON(DecisionFile, e)
}

// WriteIncumbent replaces the final incumbent file.
func (w *Writer) WriteIncumbent(cfg gpsapi.Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	tmp := filepath.Join(w.dir, IncumbentFile+".tmp")
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(w.dir, IncumbentFile))
}

func (w *Writer) appendJSON(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadJSONL decodes every line of a JSON lines file into a T.
func ReadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	dec := json.NewDecoder(f)
	for dec.More() {
		var v T
		if err := dec.Decode(&v); err != nil {
			return out, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		out = append(out, v)
	}
	return out, nil
}
