// Package host provides the data model and client interface for the code
// hosting platform. The interface enables TDD — the merge state machine and
// dispatcher can be tested entirely with mocks.
package host

import "time"

// MergeState is the host's classification of a pull request's mergeability.
type MergeState string

const (
	// MergeStateClean means mergeable and all required checks pass.
	MergeStateClean MergeState = "clean"
	// MergeStateBehind means mergeable but the base branch has advanced.
	MergeStateBehind MergeState = "behind"
	// MergeStateBlocked means mergeable but required checks haven't all passed.
	MergeStateBlocked MergeState = "blocked"
	// MergeStateUnstable means mergeable with non-required checks failing.
	MergeStateUnstable MergeState = "unstable"
	// MergeStateDirty means the pull request has conflicts.
	MergeStateDirty MergeState = "dirty"
	// MergeStateUnknown means the host has not yet computed mergeability.
	MergeStateUnknown MergeState = "unknown"
)

// CheckState is the state of a single status check or an aggregate of them.
type CheckState string

const (
	CheckStatePending CheckState = "pending"
	CheckStateSuccess CheckState = "success"
	CheckStateFailure CheckState = "failure"
)

// CombinedState aggregates a set of check states: failure if any failure,
// else pending if any pending, else success.
func CombinedState(states []CheckState) CheckState {
	result := CheckStateSuccess

	for _, s := range states {
		switch s {
		case CheckStateFailure:
			return CheckStateFailure
		case CheckStatePending:
			result = CheckStatePending
		case CheckStateSuccess:
		}
	}

	return result
}

// Branch identifies a branch by ref name and current head SHA.
type Branch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// User represents a host user (subset of fields).
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// PullRequest is an immutable snapshot of a host-side pull request.
type PullRequest struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Author User     `json:"author"`
	Source Branch   `json:"source"`
	Target Branch   `json:"target"`
	Labels []string `json:"labels"`
}

// HasLabel returns true if the pull request carries the given label.
func (pr PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}

	return false
}

// HasAnyLabel returns true if the pull request carries any of the given labels.
func (pr PullRequest) HasAnyLabel(names []string) bool {
	for _, n := range names {
		if pr.HasLabel(n) {
			return true
		}
	}

	return false
}

// PullRequestMetadata is a PullRequest plus merge status as known to the host.
type PullRequestMetadata struct {
	Reference  PullRequest `json:"reference"`
	IsMerged   bool        `json:"is_merged"`
	MergeState MergeState  `json:"merge_state"`
}

// PullRequestAction is the action field of a pull request change event.
type PullRequestAction string

const (
	ActionOpened      PullRequestAction = "opened"
	ActionLabeled     PullRequestAction = "labeled"
	ActionUnlabeled   PullRequestAction = "unlabeled"
	ActionClosed      PullRequestAction = "closed"
	ActionSynchronize PullRequestAction = "synchronize"
)

// StatusEvent is a status-check event delivered by the host.
type StatusEvent struct {
	Context   string     `json:"context"`
	State     CheckState `json:"state"`
	SHA       string     `json:"sha"`
	BranchRef string     `json:"branch_ref"`
}

// IsRelative returns true if the event belongs to the given branch ref.
func (e StatusEvent) IsRelative(branchRef string) bool {
	return e.BranchRef == branchRef
}

// IssueComment is a comment on a pull request's issue thread.
type IssueComment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusCheck is a single status check context and its latest state.
type StatusCheck struct {
	Context string     `json:"context"`
	State   CheckState `json:"state"`
}

// CommitState is the combined commit status for a ref: the host-computed
// aggregate plus the individual statuses it was derived from.
type CommitState struct {
	State    CheckState    `json:"state"`
	Statuses []StatusCheck `json:"statuses"`
}

// RequiredStatusChecks lists the check contexts a branch protection rule requires.
type RequiredStatusChecks struct {
	Contexts []string `json:"contexts"`
}

// BranchMergeResult is the outcome of merging one branch into another.
type BranchMergeResult string

const (
	// BranchMergeSuccess means a merge commit was created on the branch.
	BranchMergeSuccess BranchMergeResult = "success"
	// BranchMergeUpToDate means the branch already contained the head.
	BranchMergeUpToDate BranchMergeResult = "upToDate"
	// BranchMergeConflict means the merge failed due to conflicts.
	BranchMergeConflict BranchMergeResult = "conflict"
)
