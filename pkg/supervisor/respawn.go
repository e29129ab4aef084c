package supervisor

import (
	"sync"

	"github.com/procmaster/procmaster/pkg/logging"
	"github.com/procmaster/procmaster/pkg/proc"
)

// Respawner replaces workers as they exit. It wraps a lifecycle and
// creates the replacement before delegating the exit, so the registry
// never reaches zero while the restart budget lasts and the
// pool-exhaustion check cannot fire mid-respawn.
type Respawner struct {
	Lifecycle

	log *logging.Logger

	mu     sync.Mutex
	budget int
}

// NewRespawner wraps a lifecycle with auto-respawn behavior. Both the
// replacement spawn and the delegated exit flow through base, so other
// wrappers (metrics, say) sit inside the respawner and see respawns
// too. A negative budget means unlimited restarts; once the budget is
// spent, exits fall through to the normal exhaustion semantics.
//
//	cfg, _ := supervisor.Resolve(worker, supervisor.WithLifecycle(
//		func(s *supervisor.Supervisor) supervisor.Lifecycle {
//			return supervisor.NewRespawner(s, s.Logger(), -1)
//		}))
func NewRespawner(base Lifecycle, log *logging.Logger, budget int) *Respawner {
	return &Respawner{Lifecycle: base, log: log, budget: budget}
}

// Exit spawns a replacement while the budget lasts, then delegates the
// exit handling for the dead worker.
func (r *Respawner) Exit(h proc.Handle, code int, signal string) {
	if r.take() {
		if nh, err := r.Lifecycle.CreateWorker(); err != nil {
			r.log.Errorf("Respawn after exit of worker %d failed: %v", h.ID(), err)
		} else {
			r.log.Infof("Worker %d respawned as %d", h.ID(), nh.ID())
		}
	}
	r.Lifecycle.Exit(h, code, signal)
}

func (r *Respawner) take() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.budget == 0 {
		return false
	}
	if r.budget > 0 {
		r.budget--
	}
	return true
}
