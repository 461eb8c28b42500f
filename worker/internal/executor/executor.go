package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/example/gps/pkg/gpsapi"
)

// Outcome is what a target algorithm run reported about itself, before the
// worker classifies it against caps and budgets.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeTimeout Outcome = "TIMEOUT"
	OutcomeCrashed Outcome = "CRASHED"
)

type RunRequest struct {
	Config            gpsapi.Config
	Instance          string
	InstanceSpecifics string
	Seed              int64
	Cutoff            float64
	RunLength         int64
	RunID             string
	ScratchDir        string
}

type RunResult struct {
	Outcome Outcome
	Runtime float64
	Quality float64
	Misc    string
}

// Runner executes one configuration on one instance. An error is counted as
// a crashed run.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

type FuncRunner func(ctx context.Context, req RunRequest) (RunResult, error)

func (f FuncRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}

// ParseError reports wrapper output without a usable result line.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return "parse wrapper output: " + e.Reason
	}
	return fmt.Sprintf("parse wrapper output: %s in %q", e.Reason, e.Line)
}

// CommandRunner invokes a wrapper executable with the classic
// "inst instSpec cutoff runLength seed -name 'value' ..." calling
// convention.
type CommandRunner struct {
	// Wrapper is split on whitespace, so "python3 wrapper.py" works.
	Wrapper string
	// Grace is added to the cutoff before the process is killed.
	Grace time.Duration
	// ScratchRoot holds per-run working directories when a request does not
	// name one.
	ScratchRoot string
}

func NewCommandRunner(wrapper, scratchRoot string, grace time.Duration) *CommandRunner {
	return &CommandRunner{Wrapper: wrapper, ScratchRoot: scratchRoot, Grace: grace}
}

func (c *CommandRunner) Argv(req RunRequest) []string {
	argv := strings.Fields(c.Wrapper)
	spec := req.InstanceSpecifics
	if spec == "" {
		spec = "0"
	}
	argv = append(argv,
		req.Instance,
		spec,
		strconv.FormatFloat(req.Cutoff, 'g', -1, 64),
		strconv.FormatInt(req.RunLength, 10),
		strconv.FormatInt(req.Seed, 10),
	)
	return append(argv, req.Config.Args()...)
}

func (c *CommandRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	argv := c.Argv(req)
	if len(argv) == 0 || strings.TrimSpace(c.Wrapper) == "" {
		return RunResult{}, errors.New("wrapper command is empty")
	}
	dir, cleanup, err := c.scratch(req)
	if err != nil {
		return RunResult{}, err
	}
	defer cleanup()

	timeout := time.Duration(req.Cutoff*float64(time.Second)) + c.Grace
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = c.Grace + time.Second
	cmd.Env = []string{
		"PATH=" + getenv("PATH", "/usr/bin:/bin"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"GPS_RUN_ID=" + req.RunID,
	}
	var out bytes.Buffer
	var errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return RunResult{
			Outcome: OutcomeTimeout,
			Runtime: math.Inf(1),
			Quality: math.Inf(1),
			Misc:    "killed after cutoff plus grace",
		}, nil
	}
	res, err := ParseOutput(out.String())
	if err != nil {
		if runErr != nil {
			return RunResult{}, fmt.Errorf("wrapper failed: %v (stderr: %s): %w", runErr, tail(errOut.String(), 200), err)
		}
		return RunResult{}, err
	}
	return res, nil
}

func (c *CommandRunner) scratch(req RunRequest) (string, func(), error) {
	if req.ScratchDir != "" {
		if err := os.MkdirAll(req.ScratchDir, 0o700); err != nil {
			return "", nil, err
		}
		return req.ScratchDir, func() {}, nil
	}
	root := c.ScratchRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return "", nil, err
		}
	}
	dir, err := os.MkdirTemp(root, "gps-run-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

var resultLine = regexp.MustCompile(`Result for (GPS|SMAC|ParamILS|Configurator):`)

// ParseOutput reads the last result line of wrapper output, formatted as
// "Result for GPS: status, runtime, quality, misc".
func ParseOutput(out string) (RunResult, error) {
	var line string
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if resultLine.MatchString(sc.Text()) {
			line = sc.Text()
		}
	}
	if err := sc.Err(); err != nil {
		return RunResult{}, &ParseError{Reason: err.Error()}
	}
	if line == "" {
		return RunResult{}, &ParseError{Reason: "no result line"}
	}
	loc := resultLine.FindStringIndex(line)
	fields := strings.Split(line[loc[1]:], ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 2 {
		return RunResult{}, &ParseError{Reason: "expected at least status and runtime", Line: line}
	}
	status := strings.ToUpper(fields[0])
	runtime, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return RunResult{}, &ParseError{Reason: "invalid runtime", Line: line}
	}
	res := RunResult{Runtime: runtime, Quality: math.Inf(1)}
	if len(fields) >= 3 {
		if q, err := strconv.ParseFloat(fields[2], 64); err == nil {
			res.Quality = q
		}
	}
	res.Misc = status
	if len(fields) >= 4 && fields[len(fields)-1] != "" {
		res.Misc = fields[len(fields)-1] + " - " + status
	}

	switch status {
	case "SAT", "UNSAT", "SUCCESS":
		res.Outcome = OutcomeSuccess
	case "TIMEOUT":
		res.Outcome = OutcomeTimeout
		res.Runtime = math.Inf(1)
	default:
		res.Outcome = OutcomeCrashed
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
