package hub

import (
	"fmt"
	"strings"

	"workerhub/internal/protocol"
)

// Requirements restricts placement to workers with matching capabilities.
// A nil or zero value matches every worker.
type Requirements struct {
	OS          string   `json:"os,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Browser     bool     `json:"browser,omitempty"`
	Display     bool     `json:"display,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// IsEmpty reports whether the requirements constrain nothing
func (r *Requirements) IsEmpty() bool {
	return r == nil || (r.OS == "" && r.Environment == "" && !r.Browser && !r.Display && len(r.Tags) == 0)
}

// Matches reports whether caps satisfies every requirement. Workers that have
// not reported capabilities yet only match empty requirements.
func (r *Requirements) Matches(caps *protocol.Capabilities) bool {
	if r.IsEmpty() {
		return true
	}
	if caps == nil {
		return false
	}
	if r.OS != "" && r.OS != caps.OS {
		return false
	}
	if r.Environment != "" && r.Environment != caps.Environment {
		return false
	}
	if r.Browser && !caps.Browser {
		return false
	}
	if r.Display && !caps.Display {
		return false
	}
	for _, tag := range r.Tags {
		found := false
		for _, have := range caps.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Requirements) String() string {
	if r.IsEmpty() {
		return "none"
	}
	var parts []string
	if r.OS != "" {
		parts = append(parts, "os="+r.OS)
	}
	if r.Environment != "" {
		parts = append(parts, "environment="+r.Environment)
	}
	if r.Browser {
		parts = append(parts, "browser")
	}
	if r.Display {
		parts = append(parts, "display")
	}
	if len(r.Tags) > 0 {
		parts = append(parts, "tags="+strings.Join(r.Tags, ","))
	}
	return strings.Join(parts, " ")
}

// placementScore is the cost of placing work on a worker
func placementScore(load float64, activeTasks int) float64 {
	return load + float64(activeTasks)*10
}

// pickOptions drives a single placement decision
type pickOptions struct {
	eligible func(c *WorkerConn) bool
	// bonus is subtracted from a worker's score
	bonus func(c *WorkerConn) float64
	// reserve increments activeTasks on the chosen worker under the
	// registry lock so concurrent placements see it
	reserve bool
}

// pick returns the eligible worker with the lowest score. Ties go to the
// worker registered first.
func (r *Registry) pick(opts pickOptions) *WorkerConn {
	if opts.reserve {
		r.mu.Lock()
		defer r.mu.Unlock()
	} else {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	var best *WorkerConn
	var bestScore float64
	for _, c := range r.order {
		if opts.eligible != nil && !opts.eligible(c) {
			continue
		}
		score := c.score()
		if opts.bonus != nil {
			score -= opts.bonus(c)
		}
		if best == nil || score < bestScore {
			best = c
			bestScore = score
		}
	}

	if best != nil && opts.reserve {
		best.addActiveTasks(1)
	}
	return best
}

// PickWorker returns the least loaded worker satisfying req, or nil
func (r *Registry) PickWorker(req *Requirements) *WorkerConn {
	return r.pick(pickOptions{eligible: func(c *WorkerConn) bool { return c.matches(req) }})
}

// PickDockerWorker returns the least loaded Docker-ready worker, preferring
// affineWorkerID by bonus. fallback is true when an affine worker was named
// but another one won.
func (r *Registry) PickDockerWorker(affineWorkerID string, bonus float64) (c *WorkerConn, fallback bool) {
	c = r.pickDocker(affineWorkerID, bonus, false)
	return c, c != nil && bonus > 0 && affineWorkerID != "" && c.WorkerID() != affineWorkerID
}

func (r *Registry) pickDocker(affineWorkerID string, bonus float64, reserve bool) *WorkerConn {
	return r.pick(pickOptions{
		eligible: (*WorkerConn).dockerReady,
		bonus: func(c *WorkerConn) float64 {
			if affineWorkerID != "" && c.WorkerID() == affineWorkerID {
				return bonus
			}
			return 0
		},
		reserve: reserve,
	})
}

// noWorkerReason explains why placement found nothing, in words an agent can
// relay to a user
func (r *Registry) noWorkerReason(label string, req *Requirements) string {
	count := r.Count()
	if count == 0 {
		return fmt.Sprintf("No workers are connected to the hub, so %s cannot run. Start a worker node and try again.", label)
	}
	return fmt.Sprintf("No connected worker can run %s: none of the %d connected worker(s) match the required capabilities (%s).", label, count, req)
}
