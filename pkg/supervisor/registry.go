package supervisor

import (
	"sync"

	"github.com/procmaster/procmaster/pkg/proc"
)

// Registry is the ordered collection of live worker handles. A handle
// appears at most once, keyed by its identifier, and insertion order is
// preserved across removals.
type Registry struct {
	mu      sync.Mutex
	handles []proc.Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a handle. A handle whose id is already present is ignored.
func (r *Registry) Add(h proc.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cur := range r.handles {
		if cur.ID() == h.ID() {
			return
		}
	}
	r.handles = append(r.handles, h)
}

// Remove deletes the handle with the given id and returns it together
// with the remaining live count. The count is taken under the same lock
// as the removal, so exactly one caller can observe it reach zero.
func (r *Registry) Remove(id int) (proc.Handle, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cur := range r.handles {
		if cur.ID() == id {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			return cur, len(r.handles)
		}
	}
	return nil, len(r.handles)
}

// Get returns the handle with the given id.
func (r *Registry) Get(id int) (proc.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cur := range r.handles {
		if cur.ID() == id {
			return cur, true
		}
	}
	return nil, false
}

// Len returns the live handle count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Handles returns a snapshot of the live handles in insertion order.
func (r *Registry) Handles() []proc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]proc.Handle, len(r.handles))
	copy(out, r.handles)
	return out
}
