// Package merge implements the per-target-branch merge state machine: a pure
// reducer over a two-tier queue, plus effect handlers that perform host calls
// and feed their results back as events through a mailbox.
package merge

import (
	"reflect"

	"github.com/jogman/walle/internal/host"
)

// FailureReason classifies why an integration failed.
type FailureReason string

const (
	FailureConflicts             FailureReason = "conflicts"
	FailureMergeFailed           FailureReason = "mergeFailed"
	FailureSynchronizationFailed FailureReason = "synchronizationFailed"
	FailureCheckingChecksFailed  FailureReason = "checkingCommitChecksFailed"
	FailureChecksFailing         FailureReason = "checksFailing"
	FailureTimedOut              FailureReason = "timedOut"
	FailureBlocked               FailureReason = "blocked"
	FailureUnknown               FailureReason = "unknown"
)

// Phase is the discriminant of a MergeService status.
type Phase string

const (
	// PhaseStarting is the bootstrap phase after a process restart, while
	// historical PRs are being reordered by prior "accepted" comment date.
	PhaseStarting Phase = "starting"
	// PhaseIdle means the queue is empty and nothing is in progress.
	PhaseIdle Phase = "idle"
	// PhaseReady means the queue is non-empty and no integration is in progress.
	PhaseReady Phase = "ready"
	// PhaseIntegrating means a PR is actively being prepared for merge.
	PhaseIntegrating Phase = "integrating"
	// PhaseRunningStatusChecks means the service waits for status checks on a PR.
	PhaseRunningStatusChecks Phase = "runningStatusChecks"
	// PhaseIntegrationFailed is the terminal failure for a PR, about to be
	// cleaned up.
	PhaseIntegrationFailed Phase = "integrationFailed"
)

// Status is the tagged status of a merge service. Metadata is set for the
// integrating, runningStatusChecks, and integrationFailed phases; Error is
// set for integrationFailed only.
type Status struct {
	Phase    Phase                     `json:"status"`
	Metadata *host.PullRequestMetadata `json:"metadata,omitempty"`
	Error    FailureReason             `json:"error,omitempty"`
}

// IntegrationInProgress returns true while a PR is being integrated or
// waiting for status checks.
func (s Status) IntegrationInProgress() bool {
	return s.Phase == PhaseIntegrating || s.Phase == PhaseRunningStatusChecks
}

// State is the full observable state of a merge service.
type State struct {
	TargetBranch string             `json:"target_branch"`
	Queue        []host.PullRequest `json:"queue"`
	Status       Status             `json:"status"`
}

// Equal reports whether two states are identical.
func (s State) Equal(other State) bool {
	return reflect.DeepEqual(s, other)
}

// indexOf returns the queue index of the PR with the given number, or -1.
func indexOf(queue []host.PullRequest, number int) int {
	for i, pr := range queue {
		if pr.Number == number {
			return i
		}
	}

	return -1
}

// insertPR inserts or updates a PR in the queue, keeping the two-tier
// partition stable: top-priority PRs precede all others, and within a tier
// arrival order is preserved. An update keeps the PR's position unless its
// tier changed, in which case it is removed and re-inserted.
func insertPR(queue []host.PullRequest, pr host.PullRequest, topPriorityLabels []string) []host.PullRequest {
	if i := indexOf(queue, pr.Number); i >= 0 {
		if pr.HasAnyLabel(topPriorityLabels) == queue[i].HasAnyLabel(topPriorityLabels) {
			out := append([]host.PullRequest(nil), queue...)
			out[i] = pr

			return out
		}

		queue = removePR(queue, pr.Number)
	}

	if !pr.HasAnyLabel(topPriorityLabels) {
		out := append([]host.PullRequest(nil), queue...)

		return append(out, pr)
	}

	// Top-priority: insert after the last top-priority entry.
	insertAt := 0
	for i, q := range queue {
		if q.HasAnyLabel(topPriorityLabels) {
			insertAt = i + 1
		}
	}

	out := make([]host.PullRequest, 0, len(queue)+1)
	out = append(out, queue[:insertAt]...)
	out = append(out, pr)
	out = append(out, queue[insertAt:]...)

	return out
}

// removePR removes the PR with the given number from the queue, if present.
func removePR(queue []host.PullRequest, number int) []host.PullRequest {
	i := indexOf(queue, number)
	if i < 0 {
		return queue
	}

	out := make([]host.PullRequest, 0, len(queue)-1)
	out = append(out, queue[:i]...)
	out = append(out, queue[i+1:]...)

	return out
}

// orderQueue builds a queue from the given PRs by inserting each in turn,
// so the two-tier partition holds for bootstrap lists as well.
func orderQueue(prs []host.PullRequest, topPriorityLabels []string) []host.PullRequest {
	var queue []host.PullRequest
	for _, pr := range prs {
		queue = insertPR(queue, pr, topPriorityLabels)
	}

	return queue
}
