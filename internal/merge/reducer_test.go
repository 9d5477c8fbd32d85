package merge

import (
	"testing"

	"github.com/jogman/walle/internal/host"
)

func makeMeta(pr host.PullRequest, mergeState host.MergeState) host.PullRequestMetadata {
	return host.PullRequestMetadata{Reference: pr, MergeState: mergeState}
}

func stateIn(phase Phase, queue ...host.PullRequest) State {
	return State{TargetBranch: "main", Queue: queue, Status: Status{Phase: phase}}
}

func TestReduceStartingLoadedEmptyGoesIdle(t *testing.T) {
	next := reduce(topLabels, stateIn(PhaseStarting), pullRequestsLoaded{})

	if next.Status.Phase != PhaseIdle {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseIdle)
	}
	if len(next.Queue) != 0 {
		t.Fatalf("queue = %v, want empty", queueNumbers(next.Queue))
	}
}

func TestReduceStartingLoadedGoesReady(t *testing.T) {
	next := reduce(topLabels, stateIn(PhaseStarting), pullRequestsLoaded{prs: []host.PullRequest{makePR(1), makePR(2)}})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	assertQueueOrder(t, next.Queue, 1, 2)
}

func TestReduceStartingKeepsRacedInclusions(t *testing.T) {
	// A PR included while bootstrap was still fetching comments must not be
	// lost when the historical queue lands; it queues behind the loaded PRs.
	s := stateIn(PhaseStarting, makePR(9))

	next := reduce(topLabels, s, pullRequestsLoaded{prs: []host.PullRequest{makePR(1), makePR(2)}})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	assertQueueOrder(t, next.Queue, 1, 2, 9)
}

func TestReduceStartingQueuesInclusions(t *testing.T) {
	next := reduce(topLabels, stateIn(PhaseStarting), pullRequestChange{pr: makePR(5), include: true})

	if next.Status.Phase != PhaseStarting {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseStarting)
	}
	assertQueueOrder(t, next.Queue, 5)
}

func TestReduceIdleInclusionGoesReady(t *testing.T) {
	next := reduce(topLabels, stateIn(PhaseIdle), pullRequestChange{pr: makePR(1), include: true})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	assertQueueOrder(t, next.Queue, 1)
}

func TestReduceReadyIntegratePopsHead(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateClean)

	next := reduce(topLabels, stateIn(PhaseReady, makePR(1), makePR(2)), integrate{meta: meta})

	if next.Status.Phase != PhaseIntegrating {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseIntegrating)
	}
	if next.Status.Metadata == nil || next.Status.Metadata.Reference.Number != 1 {
		t.Fatalf("metadata = %+v, want PR 1", next.Status.Metadata)
	}
	assertQueueOrder(t, next.Queue, 2)
}

func TestReduceReadyStaleDrainSignalIgnored(t *testing.T) {
	// A drained-queue signal that raced with a late inclusion must not force
	// the machine idle while work remains.
	next := reduce(topLabels, stateIn(PhaseReady, makePR(1)), noMorePullRequests{})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}

	next = reduce(topLabels, stateIn(PhaseReady), noMorePullRequests{})
	if next.Status.Phase != PhaseIdle {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseIdle)
	}
}

func TestReduceIntegratingOutcomes(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateClean)
	s := stateIn(PhaseIntegrating)
	s.Status.Metadata = &meta

	next := reduce(topLabels, s, integrationStatusChanged{kind: integrationDone, meta: meta})
	if next.Status.Phase != PhaseReady {
		t.Fatalf("done: phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	if next.Status.Metadata != nil {
		t.Fatalf("done: metadata = %+v, want nil", next.Status.Metadata)
	}

	next = reduce(topLabels, s, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureConflicts})
	if next.Status.Phase != PhaseIntegrationFailed {
		t.Fatalf("failure: phase = %s, want %s", next.Status.Phase, PhaseIntegrationFailed)
	}
	if next.Status.Error != FailureConflicts {
		t.Fatalf("failure: error = %s, want %s", next.Status.Error, FailureConflicts)
	}

	next = reduce(topLabels, s, integrationStatusChanged{kind: integrationUpdating, meta: meta})
	if next.Status.Phase != PhaseRunningStatusChecks {
		t.Fatalf("updating: phase = %s, want %s", next.Status.Phase, PhaseRunningStatusChecks)
	}
}

func TestReduceIntegratingRetryRefreshesMetadata(t *testing.T) {
	stale := makeMeta(makePR(1), host.MergeStateUnknown)
	s := stateIn(PhaseIntegrating)
	s.Status.Metadata = &stale

	fresh := makeMeta(makePR(1), host.MergeStateClean)
	next := reduce(topLabels, s, retryIntegration{meta: fresh})

	if next.Status.Phase != PhaseIntegrating {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseIntegrating)
	}
	if next.Status.Metadata.MergeState != host.MergeStateClean {
		t.Fatalf("merge state = %s, want %s", next.Status.Metadata.MergeState, host.MergeStateClean)
	}
}

func TestReduceIntegratingExclusionAbortsIntegration(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateClean)
	s := stateIn(PhaseIntegrating, makePR(2))
	s.Status.Metadata = &meta

	next := reduce(topLabels, s, pullRequestChange{pr: makePR(1), include: false})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	assertQueueOrder(t, next.Queue, 2)
}

func TestReduceIntegratingExclusionOfQueuedPR(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateClean)
	s := stateIn(PhaseIntegrating, makePR(2), makePR(3))
	s.Status.Metadata = &meta

	next := reduce(topLabels, s, pullRequestChange{pr: makePR(2), include: false})

	if next.Status.Phase != PhaseIntegrating {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseIntegrating)
	}
	assertQueueOrder(t, next.Queue, 3)
}

func TestReduceInFlightPRNeverReenqueued(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateClean)
	s := stateIn(PhaseIntegrating)
	s.Status.Metadata = &meta

	// A labeled event for the PR being integrated must not queue it again.
	next := reduce(topLabels, s, pullRequestChange{pr: makePR(1), include: true})

	if len(next.Queue) != 0 {
		t.Fatalf("queue = %v, want empty", queueNumbers(next.Queue))
	}
}

func TestReduceStatusChecksOutcomes(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateBlocked)
	s := stateIn(PhaseRunningStatusChecks)
	s.Status.Metadata = &meta

	next := reduce(topLabels, s, statusChecksCompleted{outcome: checksPassed, meta: meta})
	if next.Status.Phase != PhaseIntegrating {
		t.Fatalf("passed: phase = %s, want %s", next.Status.Phase, PhaseIntegrating)
	}

	next = reduce(topLabels, s, statusChecksCompleted{outcome: checksFailed, meta: meta})
	if next.Status.Phase != PhaseIntegrationFailed || next.Status.Error != FailureChecksFailing {
		t.Fatalf("failed: status = %+v, want %s/%s", next.Status, PhaseIntegrationFailed, FailureChecksFailing)
	}

	next = reduce(topLabels, s, statusChecksCompleted{outcome: checksTimedOut, meta: meta})
	if next.Status.Phase != PhaseIntegrationFailed || next.Status.Error != FailureTimedOut {
		t.Fatalf("timed out: status = %+v, want %s/%s", next.Status, PhaseIntegrationFailed, FailureTimedOut)
	}
}

func TestReduceStatusChecksExclusionAborts(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateBlocked)
	s := stateIn(PhaseRunningStatusChecks, makePR(2))
	s.Status.Metadata = &meta

	next := reduce(topLabels, s, pullRequestChange{pr: makePR(1), include: false})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
}

func TestReduceFailureHandledGoesReady(t *testing.T) {
	meta := makeMeta(makePR(1), host.MergeStateDirty)
	s := stateIn(PhaseIntegrationFailed, makePR(2))
	s.Status.Metadata = &meta
	s.Status.Error = FailureConflicts

	next := reduce(topLabels, s, integrationFailureHandled{})

	if next.Status.Phase != PhaseReady {
		t.Fatalf("phase = %s, want %s", next.Status.Phase, PhaseReady)
	}
	if next.Status.Error != "" {
		t.Fatalf("error = %s, want empty", next.Status.Error)
	}
	assertQueueOrder(t, next.Queue, 2)
}

func TestClassify(t *testing.T) {
	const label = "Please Merge 🙏"

	labeled := makeMeta(makePR(1, label), host.MergeStateClean)
	unlabeled := makeMeta(makePR(1), host.MergeStateClean)
	merged := labeled
	merged.IsMerged = true

	tests := []struct {
		name        string
		meta        host.PullRequestMetadata
		action      host.PullRequestAction
		wantInclude bool
		wantDrop    bool
	}{
		{"opened with label", labeled, host.ActionOpened, true, false},
		{"opened without label", unlabeled, host.ActionOpened, false, true},
		{"labeled", labeled, host.ActionLabeled, true, false},
		{"labeled but already merged", merged, host.ActionLabeled, false, true},
		{"unlabeled", unlabeled, host.ActionUnlabeled, false, false},
		{"unlabeled but label still present", labeled, host.ActionUnlabeled, false, true},
		{"closed", labeled, host.ActionClosed, false, false},
		{"synchronize", labeled, host.ActionSynchronize, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := classify(label, tt.meta, tt.action)
			if tt.wantDrop {
				if ok {
					t.Fatalf("classify() = %+v, want drop", ev)
				}

				return
			}

			if !ok {
				t.Fatal("classify() dropped, want event")
			}

			change, isChange := ev.(pullRequestChange)
			if !isChange {
				t.Fatalf("classify() = %T, want pullRequestChange", ev)
			}
			if change.include != tt.wantInclude {
				t.Fatalf("include = %t, want %t", change.include, tt.wantInclude)
			}
		})
	}
}
