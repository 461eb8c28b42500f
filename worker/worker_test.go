package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/gps/internal/scenario"
)

func TestResolveWrapperMakesScriptPathsAbsolute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	writeFile(t, path, "name: w\nwrapper: python3 ./bin/wrap.py --fast\nparam_file: p.pcs\ninstance_file: i.txt\ncutoff: 1\n")
	sc, err := scenario.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := strings.Fields(resolveWrapper(sc))
	if len(got) != 3 || got[0] != "python3" || got[2] != "--fast" {
		t.Fatalf("unexpected wrapper %v", got)
	}
	if got[1] != filepath.Join(dir, "bin", "wrap.py") {
		t.Fatalf("expected script resolved against scenario dir, got %s", got[1])
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
