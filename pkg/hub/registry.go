package hub

import (
	"encoding/json"
	"net"
	"time"
)

// workerEntry holds runtime state for a connected worker. The task slot
// (activeTaskID) is unexported and mutated only through claim/release so the
// "at most one task per worker" invariant is enforced structurally rather
// than by convention. All access is guarded by the hub-level mutex.
type workerEntry struct {
	id           string
	hostname     string
	projects     []string
	conn         net.Conn
	encoder      *json.Encoder
	activeTaskID string
	lastSeen     time.Time
}

// claim takes the worker's task slot. It fails if the slot is already held.
func (w *workerEntry) claim(taskID string) bool {
	if w.activeTaskID != "" {
		return false
	}
	w.activeTaskID = taskID
	return true
}

// release frees the task slot. Releasing an empty slot is a no-op.
func (w *workerEntry) release() {
	w.activeTaskID = ""
}

// taskID returns the currently held task ID, or "" when idle.
func (w *workerEntry) taskID() string {
	return w.activeTaskID
}

func (w *workerEntry) supports(project string) bool {
	for _, p := range w.projects {
		if p == project {
			return true
		}
	}
	return false
}

// registry is the hub's bookkeeping of connected workers. Iteration order is
// registration order: both task dispatch and terminal-session routing use
// "first eligible in registration order", deliberately not load-aware.
// Synchronisation is provided by the hub-level mu; registry does not carry
// its own mutex.
type registry struct {
	entries map[string]*workerEntry
	order   []string
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*workerEntry)}
}

// add inserts a new entry. Entries are keyed by connection ID, not hostname;
// duplicate hostnames are allowed.
func (r *registry) add(w *workerEntry) {
	r.entries[w.id] = w
	r.order = append(r.order, w.id)
}

// remove drops an entry. The removed worker's task slot, if held, is not
// reported to anyone: recovery of the orphaned task is the stuck-task sweep.
func (r *registry) remove(id string) *workerEntry {
	w, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return w
}

func (r *registry) get(id string) *workerEntry {
	return r.entries[id]
}

func (r *registry) len() int {
	return len(r.entries)
}

// findIdleFor returns the first worker (registration order) that supports
// project and has a free slot. busyMatch reports whether a capable but
// occupied worker exists, so Trigger can distinguish "busy" from "no such
// worker".
func (r *registry) findIdleFor(project string) (w *workerEntry, busyMatch bool) {
	for _, id := range r.order {
		entry := r.entries[id]
		if !entry.supports(project) {
			continue
		}
		if entry.taskID() == "" {
			return entry, busyMatch
		}
		busyMatch = true
	}
	return nil, busyMatch
}

// first returns the first-connected worker, or nil when the registry is
// empty. Used by terminal-session routing, which is not project-aware.
func (r *registry) first() *workerEntry {
	if len(r.order) == 0 {
		return nil
	}
	return r.entries[r.order[0]]
}

// byTask returns the worker currently holding taskID, if any.
func (r *registry) byTask(taskID string) *workerEntry {
	for _, id := range r.order {
		if r.entries[id].taskID() == taskID {
			return r.entries[id]
		}
	}
	return nil
}

// all returns the entries in registration order.
func (r *registry) all() []*workerEntry {
	out := make([]*workerEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}
