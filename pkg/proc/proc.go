package proc

// EventType identifies a lifecycle signal emitted about a worker handle.
type EventType string

const (
	EventFork       EventType = "fork"       // Child process spawned
	EventOnline     EventType = "online"     // Child reported it is running
	EventListening  EventType = "listening"  // Child bound a network address
	EventDisconnect EventType = "disconnect" // Control channel severed
	EventExit       EventType = "exit"       // Child process terminated
	EventFault      EventType = "fault"      // Error surfaced through the handle
)

// Address is the address:port pair a worker reports when it starts listening.
type Address struct {
	Address string `json:"address"`
	Port    string `json:"port"`
}

// Event is a single lifecycle signal for one worker handle.
type Event struct {
	Type    EventType
	Address Address // EventListening only
	Code    int     // EventExit only
	Signal  string  // EventExit only, empty unless signal-killed
	Err     error   // EventFault only
}

// Handle is an opaque reference to a spawned worker process. The events
// channel delivers lifecycle signals in emission order and is closed
// after the exit event.
type Handle interface {
	// ID returns the identifier assigned at spawn time. Unique for the
	// lifetime of the facility that produced the handle.
	ID() int

	// Pid returns the OS process id, or 0 before the child has started.
	Pid() int

	// Kill terminates the worker's process group. Fire and forget: no
	// acknowledgement is awaited.
	Kill() error

	// Events returns the handle's lifecycle signal stream.
	Events() <-chan Event
}

// Facility spawns worker processes and answers which role the current
// process is running in.
type Facility interface {
	// IsWorker reports whether this process was spawned as a worker.
	IsWorker() bool

	// Spawn requests one new worker process. The handle is returned
	// synchronously; child startup happens off the caller's path and
	// startup errors surface as a fault event on the handle.
	Spawn() (Handle, error)
}

// Reporter is the worker-side half of the control channel. Implemented
// by facilities that give spawned workers a way to signal the master.
type Reporter interface {
	// Online tells the master this worker is up and running.
	Online() error

	// Listening tells the master this worker bound the given address.
	Listening(addr Address) error
}
