package proc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
)

const (
	// EnvWorkerID marks a process as a spawned worker and carries its id.
	EnvWorkerID = "PROCMASTER_WORKER_ID"

	// EnvSpawnToken carries the per-spawn token handed to each worker.
	EnvSpawnToken = "PROCMASTER_SPAWN_TOKEN"
)

// controlMessage is one JSON line on the worker's control pipe (fd 3).
type controlMessage struct {
	Event   string  `json:"event"`
	Address Address `json:"address"`
}

// ExecFacility spawns workers by re-executing the current binary with a
// worker marker in the environment. Master side it hands out handles;
// worker side it implements Reporter over the inherited control pipe.
type ExecFacility struct {
	nextID atomic.Int64

	once    sync.Once
	mu      sync.Mutex
	control *os.File
	enc     *json.Encoder
}

// NewExecFacility creates a facility for the current process.
func NewExecFacility() *ExecFacility {
	return &ExecFacility{}
}

// IsWorker reports whether this process carries the worker marker.
func (f *ExecFacility) IsWorker() bool {
	_, ok := os.LookupEnv(EnvWorkerID)
	return ok
}

// WorkerID returns this worker's id, or 0 in the master role.
func (f *ExecFacility) WorkerID() int {
	id, _ := strconv.Atoi(os.Getenv(EnvWorkerID))
	return id
}

// SpawnToken returns the token this worker was spawned with, or "" in
// the master role.
func (f *ExecFacility) SpawnToken() string {
	return os.Getenv(EnvSpawnToken)
}

// Spawn requests a new worker process. The handle exists synchronously;
// the child starts in the background and startup failures arrive as a
// fault event followed by an exit event.
func (f *ExecFacility) Spawn() (Handle, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: control pipe: %w", err)
	}

	h := &execHandle{
		id:     int(f.nextID.Add(1)),
		token:  uuid.NewString(),
		events: make(chan Event, 16),
	}
	go h.run(r, w)
	return h, nil
}

// execHandle is the master-side handle for one spawned worker.
type execHandle struct {
	id     int
	token  string
	pid    atomic.Int64
	events chan Event
}

func (h *execHandle) ID() int  { return h.id }
func (h *execHandle) Pid() int { return int(h.pid.Load()) }

func (h *execHandle) Events() <-chan Event { return h.events }

// Token returns the spawn token handed to this worker's environment.
func (h *execHandle) Token() string { return h.token }

// Kill sends SIGKILL to the worker's process group. No-op before the
// child has started.
func (h *execHandle) Kill() error {
	pid := h.Pid()
	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group may already be gone; fall back to the process itself.
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// run starts the child and pumps its lifecycle signals until exit.
func (h *execHandle) run(r, w *os.File) {
	defer close(h.events)

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+strconv.Itoa(h.id),
		EnvSpawnToken+"="+h.token,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}

	// Own process group, so Kill takes the worker's children with it
	// and the worker survives independent of the master's terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		h.events <- Event{Type: EventFault, Err: fmt.Errorf("start worker %d: %w", h.id, err)}
		h.events <- Event{Type: EventExit, Code: 1}
		return
	}
	w.Close() // parent keeps only the read end
	h.pid.Store(int64(cmd.Process.Pid))

	h.events <- Event{Type: EventFork}

	dec := json.NewDecoder(r)
	for {
		var msg controlMessage
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				h.events <- Event{Type: EventFault, Err: fmt.Errorf("worker %d control channel: %w", h.id, err)}
			}
			break
		}
		switch msg.Event {
		case "online":
			h.events <- Event{Type: EventOnline}
		case "listening":
			h.events <- Event{Type: EventListening, Address: msg.Address}
		}
	}
	r.Close()

	h.events <- Event{Type: EventDisconnect}

	st := StatusFromWaitErr(cmd.Wait())
	h.events <- Event{Type: EventExit, Code: st.Code, Signal: st.Signal}
}

// Online reports this worker as running. Worker role only.
func (f *ExecFacility) Online() error {
	return f.send(controlMessage{Event: "online"})
}

// Listening reports the address this worker is bound to. Worker role only.
func (f *ExecFacility) Listening(addr Address) error {
	return f.send(controlMessage{Event: "listening", Address: addr})
}

func (f *ExecFacility) send(msg controlMessage) error {
	f.once.Do(func() {
		if !f.IsWorker() {
			return
		}
		f.control = os.NewFile(3, "procmaster-control")
		if f.control != nil {
			f.enc = json.NewEncoder(f.control)
		}
	})
	if f.enc == nil {
		return errors.New("proc: no control channel in this process")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(msg)
}
