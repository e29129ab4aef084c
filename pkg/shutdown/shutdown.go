// Package shutdown sequences cleanup work ahead of process exit.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/procmaster/procmaster/pkg/logging"
)

// Manager collects cleanup functions and runs them once, in reverse
// registration order, when shutdown is triggered.
type Manager struct {
	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	log           *logging.Logger
}

// New creates a shutdown manager. The timeout bounds each run of the
// registered cleanup functions.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		log:      log,
	}
}

// Register adds a cleanup function. Functions run in reverse order (LIFO).
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Wait blocks until SIGTERM or SIGINT arrives.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.log.Infof("Received signal: %v, initiating shutdown", sig)

	m.once.Do(func() { close(m.doneChan) })
}

// Done returns a channel closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs the registered cleanup functions in reverse order.
// Functions run at most once; a second call is a no-op.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	funcs := m.shutdownFuncs
	m.shutdownFuncs = nil
	m.mu.Unlock()

	if len(funcs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			m.log.Errorf("Shutdown function %d error: %v", i, err)
		}
	}
	m.log.Infof("Shutdown complete")
}

// StopHTTPServer creates a cleanup function for an http.Server.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string, log *logging.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		log.Infof("Stopping %s server", name)
		return server.Shutdown(ctx)
	}
}
