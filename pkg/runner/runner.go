// Package runner executes one external command as the body of a worker
// process, forwarding its stdio and surfacing how it terminated.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/procmaster/procmaster/pkg/logging"
	"github.com/procmaster/procmaster/pkg/proc"
)

// Runner runs a single command to completion.
type Runner struct {
	log *logging.Logger

	startTime time.Time
	status    proc.ExitStatus
}

// New creates a runner logging on the given scope.
func New(log *logging.Logger) *Runner {
	return &Runner{log: log}
}

// Run starts the command in its own process group, waits for it, and
// records its exit status. The returned error covers start failures
// only; a non-zero exit of the command itself is reported through
// ExitStatus, matching how the master judges worker exits.
func (r *Runner) Run(ctx context.Context, command string, args ...string) error {
	r.startTime = time.Now()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Own process group, so the master's group kill reaches the command
	// and anything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.status = proc.ExitStatus{Code: 1}
		return fmt.Errorf("start %s: %w", command, err)
	}
	r.log.Debugf("Command started: %s (pid %d)", command, cmd.Process.Pid)

	r.status = proc.StatusFromWaitErr(cmd.Wait())
	r.log.Infof("Command exited: %s (code %d, signal %q) after %.1fs",
		command, r.status.Code, r.status.Signal, time.Since(r.startTime).Seconds())
	return nil
}

// ExitStatus returns how the command terminated.
func (r *Runner) ExitStatus() proc.ExitStatus {
	return r.status
}

// ExitCode returns the code the worker process should exit with. A
// signal-killed command maps to a non-zero code.
func (r *Runner) ExitCode() int {
	if r.status.Code < 0 {
		return 1
	}
	return r.status.Code
}
