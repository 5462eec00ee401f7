package coordinator

import (
	"sync"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// TaskStats counts tasks by terminal state.
type TaskStats struct {
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int
}

// Done is the number of tasks that reached a terminal state.
func (s TaskStats) Done() int {
	return s.Succeeded + s.Failed + s.TimedOut
}

// taskRegistry tracks progress across concurrently finishing tasks. Tasks
// themselves are never shared; only these counters are.
type taskRegistry struct {
	mu    sync.Mutex
	stats TaskStats
}

func newTaskRegistry(total int) *taskRegistry {
	return &taskRegistry{stats: TaskStats{Total: total}}
}

// mark records a terminal state and returns the updated snapshot.
func (r *taskRegistry) mark(state model.TaskState) TaskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch state {
	case model.TaskSucceeded:
		r.stats.Succeeded++
	case model.TaskFailed:
		r.stats.Failed++
	case model.TaskTimedOut:
		r.stats.TimedOut++
	}
	return r.stats
}

func (r *taskRegistry) snapshot() TaskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
