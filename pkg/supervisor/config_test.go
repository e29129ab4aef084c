package supervisor

import (
	"errors"
	"testing"

	"github.com/procmaster/procmaster/pkg/logging"
)

func TestResolveRequiresWorker(t *testing.T) {
	if _, err := Resolve(nil); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Resolve(nil) = %v, want ErrNoWorker", err)
	}

	called := false
	cfg, err := Resolve(func(*Supervisor) { called = true })
	if err != nil {
		t.Fatalf("Resolve with worker failed: %v", err)
	}
	cfg.Worker(nil)
	if !called {
		t.Error("resolved config does not carry the supplied worker routine")
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv(EnvWorkers, "")
	t.Setenv(EnvScope, "")

	cfg, err := Resolve(noopWorker)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.WorkersSet {
		t.Error("WorkersSet = true without any override")
	}
	if cfg.Workers < 1 {
		t.Errorf("default worker count = %d, want >= 1", cfg.Workers)
	}
	if cfg.Scope != DefaultScope {
		t.Errorf("scope = %q, want %q", cfg.Scope, DefaultScope)
	}
	if !cfg.KillOnError {
		t.Error("KillOnError defaults to false, want true")
	}
	if cfg.Master == nil || cfg.BeforeExit == nil {
		t.Error("master routine and pre-exit hook must have defaults")
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	t.Setenv(EnvWorkers, "5")
	t.Setenv(EnvScope, "mypool")

	cfg, err := Resolve(noopWorker)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Workers != 5 || !cfg.WorkersSet {
		t.Errorf("workers = %d (set=%v), want 5 from env", cfg.Workers, cfg.WorkersSet)
	}
	if cfg.Scope != "mypool" {
		t.Errorf("scope = %q, want env override", cfg.Scope)
	}
}

func TestResolveOptionBeatsEnv(t *testing.T) {
	t.Setenv(EnvWorkers, "5")

	cfg, err := Resolve(noopWorker, WithWorkers(2), WithScope("opts"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers = %d, want option value 2", cfg.Workers)
	}
	if cfg.Scope != "opts" {
		t.Errorf("scope = %q, want option value", cfg.Scope)
	}
}

func TestResolveRejectsBadCounts(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		env  string
	}{
		{"negative option", []Option{WithWorkers(-1)}, ""},
		{"negative env", nil, "-3"},
		{"garbage env", nil, "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvWorkers, tt.env)
			if _, err := Resolve(noopWorker, tt.opts...); err == nil {
				t.Error("Resolve accepted an invalid worker count")
			}
		})
	}
}

func TestResolveLogLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := Resolve(noopWorker)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.LogLevel != logging.DEBUG {
		t.Errorf("log level = %v, want DEBUG", cfg.LogLevel)
	}
}
