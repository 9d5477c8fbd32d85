package healthcheck

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/host"
	"github.com/jogman/walle/internal/merge"
)

const timeout = 10 * time.Minute

func waitForStatus(t *testing.T, c *Check, want Status) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("status = %s, want %s", c.Status(), want)
}

func transitionTo(phase merge.Phase, queue ...host.PullRequest) merge.Transition {
	return merge.Transition{
		Current: merge.State{
			TargetBranch: "main",
			Queue:        queue,
			Status:       merge.Status{Phase: phase},
		},
	}
}

func TestCheckDegradesAfterBusyStillness(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, timeout)

	if c.Status() != StatusOK {
		t.Fatalf("initial status = %s, want %s", c.Status(), StatusOK)
	}

	c.Observe(transitionTo(merge.PhaseRunningStatusChecks))

	// Just short of 1.5 × timeout the service is still considered live.
	fc.Advance(timeout + timeout/2 - time.Second)
	if c.Status() != StatusOK {
		t.Fatalf("status = %s before the delay elapsed, want %s", c.Status(), StatusOK)
	}

	fc.Advance(2 * time.Second)
	waitForStatus(t, c, StatusPotentialDeadlock)

	if StatusPotentialDeadlock.Healthy() {
		t.Fatal("potentialDeadlock must not classify as healthy")
	}
}

func TestCheckRecoversOnProgress(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, timeout)

	c.Observe(transitionTo(merge.PhaseIntegrating))
	fc.Advance(2 * timeout)
	waitForStatus(t, c, StatusPotentialDeadlock)

	c.Observe(transitionTo(merge.PhaseReady, host.PullRequest{Number: 1}))
	if c.Status() != StatusOK {
		t.Fatalf("status = %s after progress, want %s", c.Status(), StatusOK)
	}
}

func TestCheckIgnoresDuplicateStates(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, timeout)

	c.Observe(transitionTo(merge.PhaseRunningStatusChecks))
	fc.Advance(2 * timeout)
	waitForStatus(t, c, StatusPotentialDeadlock)

	// Re-observing the same state is not progress.
	c.Observe(transitionTo(merge.PhaseRunningStatusChecks))
	if c.Status() != StatusPotentialDeadlock {
		t.Fatalf("status = %s after duplicate state, want %s", c.Status(), StatusPotentialDeadlock)
	}
}

func TestCheckQuiescentPhasesNeverDegrade(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, timeout)

	c.Observe(transitionTo(merge.PhaseIdle))
	fc.Advance(100 * timeout)

	if c.Status() != StatusOK {
		t.Fatalf("status = %s for idle service, want %s", c.Status(), StatusOK)
	}

	c.Observe(transitionTo(merge.PhaseStarting))
	fc.Advance(100 * timeout)

	if c.Status() != StatusOK {
		t.Fatalf("status = %s for starting service, want %s", c.Status(), StatusOK)
	}
}
