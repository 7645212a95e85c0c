package scheduler

import "github.com/reelgate/reelgate/internal/job"

// Hook observes a phase transition. Hooks run synchronously on the
// goroutine that reported the transition.
type Hook func(jobID string, from, to job.Phase)

type hookRegistry map[job.Phase][]Hook

func (r hookRegistry) add(p job.Phase, h Hook) {
	r[p] = append(r[p], h)
}

// snapshot copies the hook list so it can be invoked after the lock is released.
func (r hookRegistry) snapshot(p job.Phase) []Hook {
	hooks := r[p]
	if len(hooks) == 0 {
		return nil
	}
	out := make([]Hook, len(hooks))
	copy(out, hooks)
	return out
}
