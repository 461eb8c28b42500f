package scenario

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/gps/internal/stats"
)

var ErrInvalid = errors.New("invalid scenario")

const (
	ObjectiveRuntime = "runtime"
	ObjectiveQuality = "quality"
)

type Store struct {
	Backend       string `yaml:"backend"` // memory|redis|sqlite
	Prefix        string `yaml:"prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// Limits bound a configuration run. Zero means unlimited.
type Limits struct {
	WallClock float64 `yaml:"wallclock_limit"`
	CPUTime   float64 `yaml:"cputime_limit"`
	RunCount  int64   `yaml:"runcount_limit"`
}

type Search struct {
	MinRuns           int     `yaml:"min_runs"`
	Alpha             float64 `yaml:"alpha"`
	DecayRate         float64 `yaml:"decay_rate"`
	BoundMultiplier   string  `yaml:"bound_multiplier"` // adaptive|false|<float>
	InstanceIncrement int     `yaml:"instance_increment"`
	SleepTime         float64 `yaml:"sleep_time"`
	Seed              int64   `yaml:"seed"`
	Objective         string  `yaml:"objective"` // runtime|quality
	QualityPenalty    float64 `yaml:"quality_penalty"`
	Bonferroni        bool    `yaml:"bonferroni"`
	Permutations      int     `yaml:"permutations"`
}

type Artifacts struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Scenario struct {
	Name          string    `yaml:"name"`
	Store         Store     `yaml:"store"`
	Wrapper       string    `yaml:"wrapper"`
	ParamFile     string    `yaml:"param_file"`
	InstanceFile  string    `yaml:"instance_file"`
	ExperimentDir string    `yaml:"experiment_dir"`
	OutputDir     string    `yaml:"output_dir"`
	Cutoff        float64   `yaml:"cutoff"`
	RunLength     int64     `yaml:"run_length"`
	Limits        Limits    `yaml:"limits"`
	Search        Search    `yaml:"search"`
	Artifacts     Artifacts `yaml:"artifacts"`

	// dir is the directory of the scenario file. Relative paths resolve
	// against it.
	dir string
}

func Default() Scenario {
	return Scenario{
		Name:  "gps",
		Store: Store{Backend: "memory", Prefix: "gps", RedisAddr: "localhost:6379", SQLitePath: "gps.db"},
		Search: Search{
			MinRuns:           5,
			Alpha:             0.05,
			DecayRate:         0.2,
			BoundMultiplier:   "adaptive",
			InstanceIncrement: 1,
			SleepTime:         0.1,
			Seed:              -1,
			Objective:         ObjectiveRuntime,
			Permutations:      stats.DefaultSamples,
		},
		OutputDir: "gps-output",
	}
}

// Load reads a scenario file on top of the defaults, applies GPS_*
// environment overrides and validates the result.
func Load(path string) (Scenario, error) {
	s := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Scenario{}, fmt.Errorf("read scenario file: %w", err)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Scenario{}, fmt.Errorf("parse scenario file: %w", err)
		}
		s.dir = filepath.Dir(path)
	}
	if err := s.ApplyEnv(); err != nil {
		return Scenario{}, err
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// ApplyEnv overrides fields from the environment.
func (s *Scenario) ApplyEnv() error {
	s.Name = getenv("GPS_RUN_NAME", s.Name)
	s.Store.Backend = getenv("GPS_STORE", s.Store.Backend)
	s.Store.Prefix = getenv("GPS_STORE_PREFIX", s.Store.Prefix)
	s.Store.RedisAddr = getenv("GPS_REDIS_ADDR", s.Store.RedisAddr)
	s.Store.RedisPassword = getenv("GPS_REDIS_PASSWORD", s.Store.RedisPassword)
	s.Store.SQLitePath = getenv("GPS_SQLITE_PATH", s.Store.SQLitePath)
	s.Wrapper = getenv("GPS_WRAPPER", s.Wrapper)
	s.ParamFile = getenv("GPS_PARAM_FILE", s.ParamFile)
	s.InstanceFile = getenv("GPS_INSTANCE_FILE", s.InstanceFile)
	s.OutputDir = getenv("GPS_OUTPUT_DIR", s.OutputDir)
	s.Search.BoundMultiplier = getenv("GPS_BOUND_MULTIPLIER", s.Search.BoundMultiplier)
	s.Search.Objective = getenv("GPS_OBJECTIVE", s.Search.Objective)
	s.Artifacts.Endpoint = getenv("GPS_ARTIFACT_ENDPOINT", s.Artifacts.Endpoint)
	s.Artifacts.AccessKey = getenv("GPS_ARTIFACT_ACCESS_KEY", s.Artifacts.AccessKey)
	s.Artifacts.SecretKey = getenv("GPS_ARTIFACT_SECRET_KEY", s.Artifacts.SecretKey)
	s.Artifacts.Bucket = getenv("GPS_ARTIFACT_BUCKET", s.Artifacts.Bucket)

	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}
	var e error
	s.Store.RedisDB, e = getenvInt("GPS_REDIS_DB", s.Store.RedisDB)
	set(e)
	s.Cutoff, e = getenvFloat("GPS_CUTOFF", s.Cutoff)
	set(e)
	s.Limits.WallClock, e = getenvFloat("GPS_WALLCLOCK_LIMIT", s.Limits.WallClock)
	set(e)
	s.Limits.CPUTime, e = getenvFloat("GPS_CPUTIME_LIMIT", s.Limits.CPUTime)
	set(e)
	var runs int
	runs, e = getenvInt("GPS_RUNCOUNT_LIMIT", int(s.Limits.RunCount))
	s.Limits.RunCount = int64(runs)
	set(e)
	s.Search.MinRuns, e = getenvInt("GPS_MIN_RUNS", s.Search.MinRuns)
	set(e)
	s.Search.Alpha, e = getenvFloat("GPS_ALPHA", s.Search.Alpha)
	set(e)
	s.Search.DecayRate, e = getenvFloat("GPS_DECAY_RATE", s.Search.DecayRate)
	set(e)
	s.Search.InstanceIncrement, e = getenvInt("GPS_INSTANCE_INCREMENT", s.Search.InstanceIncrement)
	set(e)
	s.Search.SleepTime, e = getenvFloat("GPS_SLEEP_TIME", s.Search.SleepTime)
	set(e)
	var seed int
	seed, e = getenvInt("GPS_SEED", int(s.Search.Seed))
	s.Search.Seed = int64(seed)
	set(e)
	s.Search.Bonferroni = getenvBool("GPS_BONFERRONI", s.Search.Bonferroni)
	s.Artifacts.UseSSL = getenvBool("GPS_ARTIFACT_USE_SSL", s.Artifacts.UseSSL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (s Scenario) Validate() error {
	var problems []string
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(msg, args...))
		}
	}
	switch s.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store backend must be memory, redis or sqlite, got %q", s.Store.Backend))
	}
	check(s.Cutoff > 0 && !math.IsInf(s.Cutoff, 0), "cutoff must be a positive real number, got %v", s.Cutoff)
	check(s.Limits.WallClock >= 0, "wall-clock limit must not be negative")
	check(s.Limits.CPUTime >= 0, "CPU time limit must not be negative")
	check(s.Limits.RunCount >= 0, "run count limit must not be negative")
	check(s.Search.MinRuns >= 1, "min runs must be at least 1, got %d", s.Search.MinRuns)
	check(s.Search.Alpha > 0 && s.Search.Alpha <= 0.25, "alpha must be in (0, 0.25], got %v", s.Search.Alpha)
	check(s.Search.DecayRate >= 0 && s.Search.DecayRate <= 1, "decay rate must be in [0, 1], got %v", s.Search.DecayRate)
	if _, err := stats.ParseBound(s.Search.BoundMultiplier); err != nil {
		problems = append(problems, err.Error())
	}
	check(IsFibonacci(s.Search.InstanceIncrement), "instance increment must be a positive Fibonacci number, got %d", s.Search.InstanceIncrement)
	check(s.Search.SleepTime >= 0, "sleep time must not be negative")
	check(s.Search.Objective == ObjectiveRuntime || s.Search.Objective == ObjectiveQuality,
		"objective must be runtime or quality, got %q", s.Search.Objective)
	check(s.Search.Permutations > 0, "permutations must be positive")
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Bound is the parsed bound multiplier.
func (s Scenario) Bound() stats.Bound {
	b, _ := stats.ParseBound(s.Search.BoundMultiplier)
	return b
}

func (s Scenario) Sleep() time.Duration {
	return time.Duration(s.Search.SleepTime * float64(time.Second))
}

// TestConfig is the statistical test configuration of the run.
func (s Scenario) TestConfig() stats.TestConfig {
	return stats.TestConfig{
		Alpha:        s.Search.Alpha,
		MinInstances: s.Search.MinRuns,
		Samples:      s.Search.Permutations,
		Bonferroni:   s.Search.Bonferroni,
	}
}

// Path resolves p against the scenario file's directory.
func (s Scenario) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

// Instances reads the instance file: one instance per non-empty line.
func (s Scenario) Instances() ([]string, error) {
	f, err := os.Open(s.Path(s.InstanceFile))
	if err != nil {
		return nil, fmt.Errorf("open instance file: %w", err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read instance file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: instance file %s is empty", ErrInvalid, s.InstanceFile)
	}
	return out, nil
}

// IsFibonacci reports whether n is a positive Fibonacci number.
func IsFibonacci(n int) bool {
	if n <= 0 {
		return false
	}
	a, b := 1, 1
	for b < n {
		a, b = b, a+b
	}
	return b == n || a == n
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
