package host

import "context"

// Client defines the host API surface used by walle.
// All methods accept a context for cancellation and return an error on failure.
// Implementations must be safe for concurrent use.
type Client interface {
	// FetchPullRequest returns a single pull request with fresh merge metadata.
	FetchPullRequest(ctx context.Context, number int) (*PullRequestMetadata, error)

	// ListOpenPullRequests returns all open pull requests for the repository.
	// Used by the dispatcher bootstrap to find labeled PRs after a restart.
	ListOpenPullRequests(ctx context.Context) ([]PullRequestMetadata, error)

	// FetchIssueComments returns all issue comments on a pull request.
	FetchIssueComments(ctx context.Context, pr PullRequest) ([]IssueComment, error)

	// FetchAllStatusChecks returns every status check reported for the
	// pull request's head commit.
	FetchAllStatusChecks(ctx context.Context, pr PullRequest) ([]StatusCheck, error)

	// FetchCommitStatus returns the combined commit status for a branch head.
	FetchCommitStatus(ctx context.Context, ref Branch) (*CommitState, error)

	// FetchRequiredStatusChecks returns the check contexts required by the
	// branch protection rule of the given branch.
	FetchRequiredStatusChecks(ctx context.Context, branchRef string) (*RequiredStatusChecks, error)

	// PostComment posts a comment on a pull request.
	PostComment(ctx context.Context, body string, pr PullRequest) error

	// RemoveLabel removes a label from a pull request.
	RemoveLabel(ctx context.Context, label string, pr PullRequest) error

	// MergePullRequest merges the pull request into its target branch.
	MergePullRequest(ctx context.Context, pr PullRequest) error

	// MergeIntoBranch merges head into the given branch, e.g. to update a
	// PR's source branch with the target's latest commits.
	MergeIntoBranch(ctx context.Context, branch Branch, headRef string) (BranchMergeResult, error)

	// DeleteBranch deletes a branch.
	DeleteBranch(ctx context.Context, branchRef string) error
}
