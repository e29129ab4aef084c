// Package supervisor runs a pool of worker processes under a single
// master. The master spawns the pool, tracks it in a registry, reacts
// to lifecycle signals, and terminates the process when the pool is
// exhausted or an unrecoverable master fault occurs.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/procmaster/procmaster/pkg/logging"
	"github.com/procmaster/procmaster/pkg/proc"
)

var (
	// ErrAlreadyStarted is returned by Start after the first call.
	ErrAlreadyStarted = errors.New("supervisor: already started")

	// ErrPoolExhausted is the fault raised when the live worker count
	// reaches zero. Exhaustion always terminates the master, regardless
	// of the KillOnError setting.
	ErrPoolExhausted = errors.New("supervisor: all workers have died")
)

// Lifecycle is the worker lifecycle capability set: create a worker and
// react to its five signals. The Supervisor is the default
// implementation; specialized behavior wraps it and delegates (see
// Respawner and the metrics package) instead of overriding in place.
type Lifecycle interface {
	CreateWorker() (proc.Handle, error)
	Fork(h proc.Handle)
	Online(h proc.Handle)
	Listening(h proc.Handle, addr proc.Address)
	Disconnect(h proc.Handle)
	Exit(h proc.Handle, code int, signal string)
}

// Supervisor owns the worker registry and dispatches lifecycle signals.
// One instance exists per process; Start decides whether it plays the
// master or the worker role.
type Supervisor struct {
	cfg     *Config
	fac     proc.Facility
	log     *logging.Logger
	reg     *Registry
	hooks   Lifecycle
	started atomic.Bool

	// exitFn stands in for os.Exit so shutdown is observable in tests.
	exitFn func(code int)
}

// New creates a supervisor from a resolved configuration and a process
// facility.
func New(cfg *Config, fac proc.Facility) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		fac:    fac,
		log:    logging.NewLogger(cfg.Scope, cfg.LogLevel, cfg.JSONLogs),
		reg:    NewRegistry(),
		exitFn: os.Exit,
	}
	s.hooks = Lifecycle(s)
	if cfg.wrap != nil {
		s.hooks = cfg.wrap(s)
	}
	return s
}

// Config returns the resolved configuration.
func (s *Supervisor) Config() *Config { return s.cfg }

// Logger returns the supervisor's scoped logger.
func (s *Supervisor) Logger() *logging.Logger { return s.log }

// Registry returns the live worker registry. Direct manipulation is the
// extension point for custom respawn behavior; note that the
// pool-exhaustion check counts live handles at removal time, so
// out-of-band mutations must keep the registry non-empty themselves.
func (s *Supervisor) Registry() *Registry { return s.reg }

// Workers returns a snapshot of the live worker handles.
func (s *Supervisor) Workers() []proc.Handle { return s.reg.Handles() }

// Start runs master startup in the master role and the worker routine
// in a worker role. Exactly one of the two executes per process. A
// second call returns ErrAlreadyStarted and spawns nothing.
func (s *Supervisor) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.fac.IsWorker() {
		return s.startWorker()
	}
	return s.startMaster()
}

// startMaster spawns the initial pool and runs the master routine inside
// the master fault boundary. The pool is fully populated before the
// master routine observes it.
func (s *Supervisor) startMaster() error {
	if !s.cfg.WorkersSet {
		s.log.Warnf("Worker count not configured, defaulting to %d", s.cfg.Workers)
	}

	fault := Capture(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			if _, err := s.hooks.CreateWorker(); err != nil {
				s.masterError(fmt.Errorf("spawn initial pool: %w", err))
				return
			}
		}
		s.cfg.Master(s)
	})
	if fault != nil {
		s.masterError(fault)
	}
	return nil
}

// startWorker announces the worker as online and runs the worker
// routine. No fault boundary here: a top-level worker fault crashes the
// worker process and the master observes the exit from outside.
func (s *Supervisor) startWorker() error {
	if rep, ok := s.fac.(proc.Reporter); ok {
		if err := rep.Online(); err != nil {
			s.log.Debugf("Online report failed: %v", err)
		}
	}
	s.cfg.Worker(s)
	return nil
}

// masterError handles one uncaught master-side fault. With KillOnError
// set the process shuts down carrying the fault; otherwise the fault is
// logged and the master keeps running.
func (s *Supervisor) masterError(err error) {
	s.log.Errorf("Master error: %v", err)
	if f, ok := err.(*Fault); ok && len(f.Stack) > 0 {
		s.log.Debugf("%s", f.Stack)
	}
	if !s.cfg.KillOnError {
		return
	}
	s.log.Errorf("Fatal error encountered, exiting")
	s.Shutdown(err)
}

// CreateWorker spawns one worker, registers its handle, and supervises
// it inside a dedicated fault boundary. The handle is returned so
// callers can decorate it further.
func (s *Supervisor) CreateWorker() (proc.Handle, error) {
	h, err := s.fac.Spawn()
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	s.reg.Add(h)
	s.log.Infof("Worker created: %d", h.ID())
	go s.superviseWorker(h)
	return h, nil
}

// superviseWorker pumps the handle's lifecycle signals. A fault escaping
// the handle's boundary is never survivable for that worker: it is
// logged with its diagnostic detail and the worker is killed. The pump
// then resumes draining the handle, so the killed worker's exit signal
// still reaches the exit handler and the registry stays consistent.
func (s *Supervisor) superviseWorker(h proc.Handle) {
	for {
		fault := Capture(func() { s.pumpSignals(h) })
		if fault == nil {
			return
		}
		s.workerFault(h, fault)
	}
}

func (s *Supervisor) pumpSignals(h proc.Handle) {
	for ev := range h.Events() {
		switch ev.Type {
		case proc.EventFork:
			s.hooks.Fork(h)
		case proc.EventOnline:
			s.hooks.Online(h)
		case proc.EventListening:
			s.hooks.Listening(h, ev.Address)
		case proc.EventDisconnect:
			s.hooks.Disconnect(h)
		case proc.EventExit:
			s.hooks.Exit(h, ev.Code, ev.Signal)
		case proc.EventFault:
			s.workerFault(h, ev.Err)
		}
	}
}

func (s *Supervisor) workerFault(h proc.Handle, err error) {
	s.log.Errorf("Worker %d error: %v", h.ID(), err)
	if f, ok := err.(*Fault); ok && len(f.Stack) > 0 {
		s.log.Debugf("%s", f.Stack)
	}
	if killErr := h.Kill(); killErr != nil {
		s.log.Debugf("Kill worker %d: %v", h.ID(), killErr)
	}
}

// Fork logs that a worker process was forked.
func (s *Supervisor) Fork(h proc.Handle) {
	s.log.Infof("Worker forked: %d", h.ID())
}

// Online logs that a worker reported itself running.
func (s *Supervisor) Online(h proc.Handle) {
	s.log.Infof("Worker running: %d", h.ID())
}

// Listening logs the address a worker is bound to.
func (s *Supervisor) Listening(h proc.Handle, addr proc.Address) {
	s.log.Infof("Worker listening: %d on address %s:%s", h.ID(), addr.Address, addr.Port)
}

// Disconnect logs that a worker's control channel was severed. The
// process may still be alive.
func (s *Supervisor) Disconnect(h proc.Handle) {
	s.log.Infof("Worker disconnected: %d", h.ID())
}

// Exit removes exactly the exited worker from the registry. If that
// removal empties the registry the pool is exhausted, which is
// structurally fatal independent of KillOnError.
func (s *Supervisor) Exit(h proc.Handle, code int, signal string) {
	s.log.Infof("Worker exited: %d (code %d, signal %q)", h.ID(), code, signal)

	_, remaining := s.reg.Remove(h.ID())
	if remaining == 0 {
		s.log.Errorf("All workers have died, exiting")
		s.Shutdown(ErrPoolExhausted)
	}
}

// Shutdown runs the pre-exit hook and, once the hook signals completion,
// terminates the process: status 1 when a fault is carried, 0 otherwise.
// Exit never races ahead of the hook's cleanup.
func (s *Supervisor) Shutdown(fault error) {
	done := func() {
		code := 0
		if fault != nil {
			code = 1
		}
		s.exitFn(code)
	}
	s.cfg.BeforeExit(fault, done)
}

// NotifyListening reports, from a worker routine, the address this
// worker is serving on. No-op when the facility has no worker-side
// control channel.
func (s *Supervisor) NotifyListening(address, port string) error {
	rep, ok := s.fac.(proc.Reporter)
	if !ok {
		return nil
	}
	return rep.Listening(proc.Address{Address: address, Port: port})
}
