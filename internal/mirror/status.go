package mirror

import (
	"sync"
	"time"
)

// State names the phase a sync run is in.  Transitions are strictly
// sequential; StateFailed is terminal and reachable from any state.
type State string

const (
	StateInit            State = "init"
	StateManifestFetched State = "manifest_fetched"
	StateIndexParsed     State = "index_parsed"
	StatePlanned         State = "planned"
	StateDownloading     State = "downloading"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// WorkerStatus records the last action of one download worker.
type WorkerStatus struct {
	Action string
	Path   string
	At     time.Time
}

// StatusTracker holds the observable state of a sync run: the run phase
// and a per-worker last-action map.  It is passed explicitly to the
// components that report through it; there is no process-wide status
// singleton.  All methods are safe for concurrent use.
type StatusTracker struct {
	mu      sync.RWMutex
	state   State
	workers map[int]WorkerStatus
}

// NewStatusTracker creates a tracker in StateInit.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		state:   StateInit,
		workers: make(map[int]WorkerStatus),
	}
}

// SetState advances the run phase.
func (st *StatusTracker) SetState(s State) {
	st.mu.Lock()
	st.state = s
	st.mu.Unlock()
}

// State returns the current run phase.
func (st *StatusTracker) State() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state
}

// SetWorker records the last action of a worker.
func (st *StatusTracker) SetWorker(worker int, action, path string) {
	st.mu.Lock()
	st.workers[worker] = WorkerStatus{
		Action: action,
		Path:   path,
		At:     time.Now(),
	}
	st.mu.Unlock()
}

// Snapshot returns a copy of the per-worker status map.
func (st *StatusTracker) Snapshot() map[int]WorkerStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snapshot := make(map[int]WorkerStatus, len(st.workers))
	for k, v := range st.workers {
		snapshot[k] = v
	}
	return snapshot
}
