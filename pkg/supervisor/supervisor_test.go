package supervisor

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/procmaster/procmaster/pkg/proc"
)

type fakeHandle struct {
	id     int
	pid    int
	killed atomic.Int32
	events chan proc.Event
}

func newFakeHandle(id int) *fakeHandle {
	return &fakeHandle{id: id, pid: 10000 + id, events: make(chan proc.Event, 16)}
}

func (h *fakeHandle) ID() int                   { return h.id }
func (h *fakeHandle) Pid() int                  { return h.pid }
func (h *fakeHandle) Events() <-chan proc.Event { return h.events }

func (h *fakeHandle) Kill() error {
	h.killed.Add(1)
	return nil
}

type fakeFacility struct {
	worker bool

	mu        sync.Mutex
	next      int
	spawned   []*fakeHandle
	online    int
	listening []proc.Address
}

func (f *fakeFacility) IsWorker() bool { return f.worker }

func (f *fakeFacility) Spawn() (proc.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := newFakeHandle(f.next)
	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *fakeFacility) Online() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online++
	return nil
}

func (f *fakeFacility) Listening(addr proc.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = append(f.listening, addr)
	return nil
}

func (f *fakeFacility) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (r *exitRecorder) fn(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *exitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

func (r *exitRecorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.codes) == 0 {
		return -1
	}
	return r.codes[len(r.codes)-1]
}

func (r *exitRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

// safeBuffer lets tests read logs while pump goroutines are writing.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(t *testing.T, worker Func, opts ...Option) (*Supervisor, *fakeFacility, *exitRecorder, *safeBuffer) {
	t.Helper()

	cfg, err := Resolve(worker, opts...)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	fac := &fakeFacility{}
	s := New(cfg, fac)

	rec := &exitRecorder{}
	s.exitFn = rec.fn
	buf := &safeBuffer{}
	s.log.SetOutput(buf)
	return s, fac, rec, buf
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noopWorker(*Supervisor) {}

func TestStartSpawnsPoolBeforeMasterRoutine(t *testing.T) {
	var calls int32
	var seen *Supervisor
	var observed int

	var s *Supervisor
	master := func(sup *Supervisor) {
		atomic.AddInt32(&calls, 1)
		seen = sup
		observed = sup.Registry().Len()
	}

	s, _, _, _ = newTestSupervisor(t, noopWorker, WithWorkers(3), WithMaster(master))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("master routine called %d times, want 1", got)
	}
	if seen != s {
		t.Errorf("master routine did not receive the supervisor instance")
	}
	if observed != 3 {
		t.Errorf("master routine observed %d workers, want 3", observed)
	}
	if got := s.Registry().Len(); got != 3 {
		t.Errorf("registry has %d workers after start, want 3", got)
	}
}

func TestStartWithZeroWorkers(t *testing.T) {
	s, fac, _, _ := newTestSupervisor(t, noopWorker, WithWorkers(0))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if fac.spawnCount() != 0 {
		t.Errorf("spawned %d workers, want 0", fac.spawnCount())
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry has %d workers, want 0", s.Registry().Len())
	}
}

func TestStartIdempotent(t *testing.T) {
	s, fac, _, _ := newTestSupervisor(t, noopWorker, WithWorkers(2))
	if err := s.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if fac.spawnCount() != 2 {
		t.Errorf("spawned %d workers after double start, want 2", fac.spawnCount())
	}
}

func TestStartWorkerRole(t *testing.T) {
	var workerCalls int
	var seen *Supervisor
	worker := func(sup *Supervisor) {
		workerCalls++
		seen = sup
	}
	masterCalled := false

	cfg, err := Resolve(worker, WithWorkers(3), WithMaster(func(*Supervisor) { masterCalled = true }))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	fac := &fakeFacility{worker: true}
	s := New(cfg, fac)
	s.log.SetOutput(&safeBuffer{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if workerCalls != 1 {
		t.Errorf("worker routine called %d times, want 1", workerCalls)
	}
	if seen != s {
		t.Errorf("worker routine did not receive the supervisor instance")
	}
	if masterCalled {
		t.Error("master routine ran in the worker role")
	}
	if fac.online != 1 {
		t.Errorf("online reported %d times, want 1", fac.online)
	}
	if fac.spawnCount() != 0 {
		t.Error("worker role spawned processes")
	}
}

func TestDefaultedWorkerCountWarns(t *testing.T) {
	cfg := &Config{
		Worker:      noopWorker,
		Master:      func(*Supervisor) {},
		Workers:     2,
		WorkersSet:  false,
		KillOnError: true,
		BeforeExit:  func(fault error, done func()) { done() },
	}
	s := New(cfg, &fakeFacility{})
	s.exitFn = func(int) {}
	buf := &safeBuffer{}
	s.log.SetOutput(buf)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Worker count not configured, defaulting to 2") {
		t.Errorf("missing default-count warning, got logs:\n%s", buf.String())
	}
}

func TestExitRemovesOnlyThatWorker(t *testing.T) {
	s, fac, rec, _ := newTestSupervisor(t, noopWorker, WithWorkers(3))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.Exit(fac.spawned[1], 0, "")

	handles := s.Workers()
	if len(handles) != 2 {
		t.Fatalf("registry has %d workers, want 2", len(handles))
	}
	if handles[0].ID() != 1 || handles[1].ID() != 3 {
		t.Errorf("remaining workers = [%d %d], want [1 3]", handles[0].ID(), handles[1].ID())
	}
	if rec.count() != 0 {
		t.Errorf("shutdown invoked %d times with workers remaining, want 0", rec.count())
	}
}

func TestPoolExhaustionTriggersOneShutdown(t *testing.T) {
	for _, n := range []int{1, 4} {
		t.Run(poolName(n), func(t *testing.T) {
			var faults []error
			s, fac, rec, buf := newTestSupervisor(t, noopWorker,
				WithWorkers(n),
				WithBeforeExit(func(fault error, done func()) {
					faults = append(faults, fault)
					done()
				}),
			)
			if err := s.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			for _, h := range fac.spawned {
				s.Exit(h, 1, "SIGKILL")
			}

			if s.Registry().Len() != 0 {
				t.Fatalf("registry not empty after all exits")
			}
			if len(faults) != 1 {
				t.Fatalf("shutdown invoked %d times, want 1", len(faults))
			}
			if !errors.Is(faults[0], ErrPoolExhausted) {
				t.Errorf("shutdown fault = %v, want ErrPoolExhausted", faults[0])
			}
			if rec.count() != 1 || rec.last() != 1 {
				t.Errorf("exit calls = %v, want one exit with status 1", rec.snapshot())
			}
			if !strings.Contains(buf.String(), "All workers have died") {
				t.Errorf("missing exhaustion log, got:\n%s", buf.String())
			}
		})
	}
}

func poolName(n int) string {
	if n == 1 {
		return "single"
	}
	return "several"
}

func TestMasterRoutineFaultCaught(t *testing.T) {
	boom := errors.New("boom")
	var fault error

	s, _, rec, buf := newTestSupervisor(t, noopWorker,
		WithWorkers(1),
		WithMaster(func(*Supervisor) { panic(boom) }),
		WithBeforeExit(func(f error, done func()) {
			fault = f
			done()
		}),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v, want nil (fault goes to the boundary)", err)
	}

	if !errors.Is(fault, boom) {
		t.Errorf("shutdown fault = %v, want wrapped boom", fault)
	}
	if rec.last() != 1 {
		t.Errorf("exit status = %d, want 1", rec.last())
	}
	logs := buf.String()
	if !strings.Contains(logs, "Master error") {
		t.Errorf("missing master error log:\n%s", logs)
	}
	if !strings.Contains(logs, "Fatal error encountered, exiting") {
		t.Errorf("missing fatal log:\n%s", logs)
	}
}

func TestKillOnErrorDisabled(t *testing.T) {
	s, _, rec, buf := newTestSupervisor(t, noopWorker,
		WithWorkers(1),
		WithKillOnError(false),
		WithMaster(func(*Supervisor) { panic("tolerated") }),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if rec.count() != 0 {
		t.Errorf("shutdown invoked %d times with kill-on-error disabled, want 0", rec.count())
	}
	if !strings.Contains(buf.String(), "Master error") {
		t.Errorf("fault was not logged:\n%s", buf.String())
	}
}

func TestListeningLogLine(t *testing.T) {
	s, _, _, buf := newTestSupervisor(t, noopWorker, WithWorkers(0))
	h := newFakeHandle(3)

	s.Listening(h, proc.Address{Address: "0.0.0.0", Port: "9000"})

	if !strings.Contains(buf.String(), "Worker listening: 3 on address 0.0.0.0:9000") {
		t.Errorf("unexpected listening log:\n%s", buf.String())
	}
}

func TestShutdownWaitsForHook(t *testing.T) {
	boom := errors.New("boom")
	var hookFaults []error
	var release func()

	s, _, rec, _ := newTestSupervisor(t, noopWorker,
		WithWorkers(0),
		WithBeforeExit(func(fault error, done func()) {
			hookFaults = append(hookFaults, fault)
			release = done
		}),
	)

	s.Shutdown(boom)

	if len(hookFaults) != 1 || hookFaults[0] != boom {
		t.Fatalf("hook faults = %v, want exactly [boom]", hookFaults)
	}
	if rec.count() != 0 {
		t.Fatal("process exited before the hook signaled completion")
	}

	release()
	if rec.count() != 1 || rec.last() != 1 {
		t.Errorf("exit calls = %v, want one exit with status 1", rec.snapshot())
	}
}

func TestShutdownWithoutFaultExitsZero(t *testing.T) {
	s, _, rec, _ := newTestSupervisor(t, noopWorker, WithWorkers(0))
	s.Shutdown(nil)
	if rec.count() != 1 || rec.last() != 0 {
		t.Errorf("exit calls = %v, want one exit with status 0", rec.snapshot())
	}
}

func TestSignalPumpDispatchesToHandlers(t *testing.T) {
	s, _, rec, buf := newTestSupervisor(t, noopWorker, WithWorkers(0))

	h, err := s.CreateWorker()
	if err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	fh := h.(*fakeHandle)

	fh.events <- proc.Event{Type: proc.EventFork}
	fh.events <- proc.Event{Type: proc.EventOnline}
	fh.events <- proc.Event{Type: proc.EventListening, Address: proc.Address{Address: "127.0.0.1", Port: "8125"}}
	fh.events <- proc.Event{Type: proc.EventDisconnect}
	fh.events <- proc.Event{Type: proc.EventExit, Code: 0}
	close(fh.events)

	waitFor(t, func() bool { return s.Registry().Len() == 0 }, "exit to drain the registry")
	waitFor(t, func() bool { return rec.count() == 1 }, "exhaustion shutdown")

	logs := buf.String()
	for _, want := range []string{
		"Worker created: 1",
		"Worker forked: 1",
		"Worker running: 1",
		"Worker listening: 1 on address 127.0.0.1:8125",
		"Worker disconnected: 1",
		"Worker exited: 1",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("missing %q in logs:\n%s", want, logs)
		}
	}
}

func TestWorkerFaultKillsThatWorkerOnly(t *testing.T) {
	s, fac, rec, buf := newTestSupervisor(t, noopWorker, WithWorkers(2))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	victim := fac.spawned[0]
	victim.events <- proc.Event{Type: proc.EventFault, Err: errors.New("handle broke")}

	waitFor(t, func() bool { return victim.killed.Load() > 0 }, "faulted worker to be killed")

	if fac.spawned[1].killed.Load() != 0 {
		t.Error("healthy worker was killed")
	}
	if s.Registry().Len() != 2 {
		t.Errorf("registry len = %d, fault must not remove workers", s.Registry().Len())
	}
	if rec.count() != 0 {
		t.Error("worker fault escalated to master shutdown")
	}
	if !strings.Contains(buf.String(), "Worker 1 error: handle broke") {
		t.Errorf("missing worker fault log:\n%s", buf.String())
	}
}

func TestHandlerPanicStaysInsideWorkerBoundary(t *testing.T) {
	cfg, err := Resolve(noopWorker, WithWorkers(0), WithLifecycle(func(s *Supervisor) Lifecycle {
		return &panickyLifecycle{s}
	}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	s := New(cfg, &fakeFacility{})
	rec := &exitRecorder{}
	s.exitFn = rec.fn
	buf := &safeBuffer{}
	s.log.SetOutput(buf)

	h, err := s.CreateWorker()
	if err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	fh := h.(*fakeHandle)
	fh.events <- proc.Event{Type: proc.EventOnline}

	waitFor(t, func() bool { return fh.killed.Load() > 0 }, "worker kill after handler panic")
	if rec.count() != 0 {
		t.Error("worker boundary fault reached the master exit path")
	}

	// The signal pump must survive the fault: the kill produces an exit
	// event, and losing it would strand the handle in the registry.
	fh.events <- proc.Event{Type: proc.EventExit, Code: 1, Signal: "SIGKILL"}
	close(fh.events)

	waitFor(t, func() bool { return s.reg.Len() == 0 }, "registry drain after faulted worker exits")
	waitFor(t, func() bool { return rec.count() == 1 }, "pool exhaustion shutdown")
	if got := rec.last(); got != 1 {
		t.Errorf("exit status = %d, want 1", got)
	}
}

type panickyLifecycle struct {
	Lifecycle
}

func (p *panickyLifecycle) Online(h proc.Handle) {
	panic("online handler broke")
}
