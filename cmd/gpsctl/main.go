package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/example/gps/internal/coordinator"
	"github.com/example/gps/pkg/gpsapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "workers":
		runWorkers(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gpsctl <status|workers|worker join> [...]")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8090", "coordinator status URL")
	_ = fs.Parse(args)

	var st coordinator.Status
	if err := getJSON(strings.TrimRight(*url, "/")+"/v1/status", &st); err != nil {
		fatalf("status: %v", err)
	}
	b := st.Budget
	fmt.Printf("epoch:       %s\n", st.Epoch)
	fmt.Printf("elapsed:     %.0fs%s\n", st.Elapsed, limit(b.WallClockLimit, "s"))
	fmt.Printf("cpu time:    %.1fs%s\n", b.TotalCPUTime, limit(b.CPUTimeLimit, "s"))
	fmt.Printf("runs:        %d%s\n", b.TotalRuns, limit(float64(b.RunCountLimit), ""))
	fmt.Printf("iterations:  %d\n", b.TotalIterations)
	fmt.Printf("queue:       %d queued, %d running, instance increment %d\n", st.Queue.Queued, st.Queue.Running, st.InstanceIncr)
	fmt.Printf("incumbent:  %s\n", st.Incumbent)
	if st.StopReason != "" {
		fmt.Printf("stopped:     %s\n", st.StopReason)
	}
}

func limit(v float64, unit string) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf(" / %g%s", v, unit)
}

func runWorkers(args []string) {
	fs := flag.NewFlagSet("workers", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8090", "coordinator status URL")
	_ = fs.Parse(args)

	var out struct {
		Workers []gpsapi.WorkerStatus `json:"workers"`
	}
	if err := getJSON(strings.TrimRight(*url, "/")+"/v1/workers", &out); err != nil {
		fatalf("workers: %v", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tHOST\tRUNNING\tCOMPLETED\tCPU%\tMEM%\tLAST SEEN")
	for _, w := range out.Workers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%.0f\t%s ago\n", w.WorkerID, w.Host, w.Running, w.Completed, w.CPUUtil, w.MemoryUtil, time.Since(w.LastSeen).Round(time.Second))
	}
	_ = tw.Flush()
}

// runWorker writes the env file a gps-worker process is started with.
// Launching and supervising workers is left to the operator.
func runWorker(args []string) {
	if len(args) < 1 || args[0] != "join" {
		fmt.Fprintln(os.Stderr, "usage: gpsctl worker join -scenario <file> [...]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("worker join", flag.ExitOnError)
	scenarioPath := fs.String("scenario", "", "scenario file shared with the coordinator")
	workerID := fs.String("worker-id", defaultWorkerID(), "worker id; empty lets the worker pick one")
	scratch := fs.String("scratch-root", "", "directory for per-run scratch dirs")
	heartbeat := fs.String("heartbeat-seconds", "", "heartbeat interval seconds")
	envPath := fs.String("env-file", defaultEnvPath(), "env file path")
	_ = fs.Parse(args[1:])

	if strings.TrimSpace(*scenarioPath) == "" {
		fatalf("-scenario is required")
	}
	abs, err := filepath.Abs(*scenarioPath)
	if err != nil {
		fatalf("resolve scenario: %v", err)
	}
	err = writeWorkerEnv(*envPath, map[string]string{
		"GPS_SCENARIO":          abs,
		"GPS_WORKER_ID":         *workerID,
		"GPS_SCRATCH_ROOT":      *scratch,
		"GPS_HEARTBEAT_SECONDS": *heartbeat,
	})
	if err != nil {
		fatalf("worker join: %v", err)
	}
	fmt.Printf("env file written to %s\n", *envPath)
	fmt.Printf("start a worker with: set -a; . %s; set +a; gps-worker\n", *envPath)
}

func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %s: %s", url, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
