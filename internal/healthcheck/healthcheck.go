// Package healthcheck derives a liveness signal from the state transitions
// of a merge service. A service stuck outside starting/idle for longer than
// the worst-case status-check duration is reported as a potential deadlock;
// the service itself keeps running, this only surfaces the suspicion to an
// operator.
package healthcheck

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/merge"
)

// Status is the liveness classification of a merge service.
type Status string

const (
	// StatusOK means the service is idle, starting, or made progress recently.
	StatusOK Status = "ok"
	// StatusPotentialDeadlock means the service has been busy without a state
	// change for longer than 1.5 × the status-checks timeout.
	StatusPotentialDeadlock Status = "potentialDeadlock"
)

// Healthy reports whether the status requires no operator attention.
func (s Status) Healthy() bool {
	return s == StatusOK
}

// Check observes the transition stream of one merge service. Duplicate
// states are suppressed by equality; the pending degradation is cancelled by
// any newer state (latest wins).
type Check struct {
	clock clockwork.Clock
	delay time.Duration

	mu     sync.Mutex
	status Status
	last   *merge.State
	timer  clockwork.Timer
	gen    int
}

// New creates a check degrading after 1.5 × statusChecksTimeout of busy
// stillness.
func New(clock clockwork.Clock, statusChecksTimeout time.Duration) *Check {
	return &Check{
		clock:  clock,
		delay:  statusChecksTimeout + statusChecksTimeout/2,
		status: StatusOK,
	}
}

// Observe feeds one state transition into the check. Safe for concurrent use.
func (c *Check) Observe(t merge.Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && t.Current.Equal(*c.last) {
		return
	}

	current := t.Current
	c.last = &current

	// Cancel the pending degradation; the generation guard defuses a timer
	// that already fired but has not taken the lock yet.
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.status = StatusOK

	switch current.Status.Phase {
	case merge.PhaseStarting, merge.PhaseIdle:
		return
	default:
	}

	gen := c.gen
	c.timer = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.gen == gen {
			c.status = StatusPotentialDeadlock
		}
	})
}

// Status returns the current liveness classification.
func (c *Check) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}
