package proc

import (
	"fmt"
	"os/exec"
	"syscall"
)

// ExitStatus describes how a worker process terminated.
type ExitStatus struct {
	Code   int
	Signal string // empty unless the process was signal-killed
}

// StatusFromWaitErr extracts code and signal from the error returned by
// (*exec.Cmd).Wait. A nil error is a clean exit 0.
func StatusFromWaitErr(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		// Wait itself failed; treat as a generic failure.
		return ExitStatus{Code: 1}
	}

	st := ExitStatus{Code: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = SignalName(ws.Signal())
	}
	return st
}

// SignalName returns the conventional name for a signal number.
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	case syscall.SIGXFSZ:
		return "SIGXFSZ"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
