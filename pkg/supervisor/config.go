package supervisor

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/procmaster/procmaster/pkg/logging"
)

const (
	// EnvWorkers overrides the worker pool size.
	EnvWorkers = "PROCMASTER_WORKERS"

	// EnvScope overrides the log channel name.
	EnvScope = "PROCMASTER_SCOPE"

	// EnvLogLevel overrides the log level.
	EnvLogLevel = "PROCMASTER_LOG_LEVEL"

	// DefaultScope is the log channel name when none is configured.
	DefaultScope = "procmaster"
)

// ErrNoWorker is returned by Resolve when no worker routine was supplied.
var ErrNoWorker = errors.New("supervisor: worker routine is required")

// Func is a routine run in master or worker context, receiving the
// supervisor instance for that process.
type Func func(*Supervisor)

// BeforeExitFunc runs before the master process terminates. The fault is
// nil on a graceful shutdown. The hook must call done when its cleanup
// is complete; the process does not exit before then.
type BeforeExitFunc func(fault error, done func())

// Config is the supervisor's resolved, immutable configuration. Build
// one with Resolve; ambient environment reads happen only there.
type Config struct {
	Worker      Func
	Master      Func
	Workers     int
	WorkersSet  bool // pool size came from an option or env, not a default
	Scope       string
	KillOnError bool
	BeforeExit  BeforeExitFunc
	LogLevel    logging.Level
	JSONLogs    bool

	wrap func(*Supervisor) Lifecycle
}

// Option configures a supervisor at resolution time.
type Option func(*Config)

// WithMaster sets the routine run once in the master process after the
// initial pool is spawned.
func WithMaster(fn Func) Option {
	return func(c *Config) { c.Master = fn }
}

// WithWorkers sets the pool size explicitly.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
		c.WorkersSet = true
	}
}

// WithScope sets the log channel name.
func WithScope(scope string) Option {
	return func(c *Config) { c.Scope = scope }
}

// WithKillOnError controls whether an uncaught master fault terminates
// the process. Disabling this is a debugging override.
func WithKillOnError(kill bool) Option {
	return func(c *Config) { c.KillOnError = kill }
}

// WithBeforeExit sets the pre-exit hook.
func WithBeforeExit(fn BeforeExitFunc) Option {
	return func(c *Config) { c.BeforeExit = fn }
}

// WithLogLevel sets the log level.
func WithLogLevel(level logging.Level) Option {
	return func(c *Config) { c.LogLevel = level }
}

// WithJSONLogs switches log output to JSON lines.
func WithJSONLogs(on bool) Option {
	return func(c *Config) { c.JSONLogs = on }
}

// WithLifecycle wraps the supervisor's lifecycle dispatch. The wrapper
// receives the supervisor and returns the Lifecycle all signals are
// dispatched through, so extensions compose by delegation.
func WithLifecycle(wrap func(*Supervisor) Lifecycle) Option {
	return func(c *Config) { c.wrap = wrap }
}

// Resolve validates options and fills defaults, reading the environment
// exactly once. The worker routine is required; everything else has a
// default: pool size from PROCMASTER_WORKERS or the logical CPU count,
// scope from PROCMASTER_SCOPE or "procmaster", KillOnError true, and a
// pre-exit hook that completes immediately.
func Resolve(worker Func, opts ...Option) (*Config, error) {
	if worker == nil {
		return nil, ErrNoWorker
	}

	cfg := &Config{
		Worker:      worker,
		KillOnError: true,
		LogLevel:    logging.ParseLevel(os.Getenv(EnvLogLevel)),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.WorkersSet && cfg.Workers < 0 {
		return nil, fmt.Errorf("supervisor: invalid worker count %d", cfg.Workers)
	}
	if !cfg.WorkersSet {
		if v := os.Getenv(EnvWorkers); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("supervisor: invalid %s value %q", EnvWorkers, v)
			}
			cfg.Workers = n
			cfg.WorkersSet = true
		}
	}
	if !cfg.WorkersSet {
		cfg.Workers = logicalCPUs()
	}

	if cfg.Scope == "" {
		cfg.Scope = os.Getenv(EnvScope)
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}

	if cfg.Master == nil {
		cfg.Master = func(*Supervisor) {}
	}
	if cfg.BeforeExit == nil {
		cfg.BeforeExit = func(fault error, done func()) { done() }
	}

	return cfg, nil
}

func logicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
