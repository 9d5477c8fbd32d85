package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"github.com/sethvargo/go-retry"
)

// GitHubClient implements Client against the GitHub REST API for a single
// repository.
type GitHubClient struct {
	owner string
	repo  string
	gh    *github.Client
}

// Ensure GitHubClient implements Client at compile time.
var _ Client = (*GitHubClient)(nil)

// NewTokenClient creates a GitHubClient authenticated with a personal access
// token.
func NewTokenClient(token, owner, repo string) *GitHubClient {
	return &GitHubClient{
		owner: owner,
		repo:  repo,
		gh:    github.NewClient(nil).WithAuthToken(token),
	}
}

// NewAppClient creates a GitHubClient authenticated as a GitHub App
// installation using a private key file.
func NewAppClient(appID, installationID int64, keyPath, owner, repo string) (*GitHubClient, error) {
	transport, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load GitHub App key: %w", err)
	}

	return &GitHubClient{
		owner: owner,
		repo:  repo,
		gh:    github.NewClient(&http.Client{Transport: transport}),
	}, nil
}

// withRetry runs fn, retrying transient failures (network errors and 5xx
// responses) with capped exponential backoff. Client errors fail immediately.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) {
			if ghErr.Response != nil && ghErr.Response.StatusCode >= 500 {
				return retry.RetryableError(err)
			}

			return err
		}

		// Non-API errors are assumed transient (DNS, connection reset, ...).
		return retry.RetryableError(err)
	})
}

func (c *GitHubClient) FetchPullRequest(ctx context.Context, number int) (*PullRequestMetadata, error) {
	var pr *github.PullRequest

	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		pr, _, err = c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch PR #%d: %w", number, err)
	}

	meta := convertPullRequest(pr)

	return &meta, nil
}

func (c *GitHubClient) ListOpenPullRequests(ctx context.Context) ([]PullRequestMetadata, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []PullRequestMetadata

	for {
		var (
			page []*github.PullRequest
			resp *github.Response
		)

		err := withRetry(ctx, func(ctx context.Context) error {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)

			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list open PRs: %w", err)
		}

		for _, pr := range page {
			result = append(result, convertPullRequest(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func (c *GitHubClient) FetchIssueComments(ctx context.Context, pr PullRequest) ([]IssueComment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []IssueComment

	for {
		var (
			page []*github.IssueComment
			resp *github.Response
		)

		err := withRetry(ctx, func(ctx context.Context) error {
			var err error
			page, resp, err = c.gh.Issues.ListComments(ctx, c.owner, c.repo, pr.Number, opts)

			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list comments for PR #%d: %w", pr.Number, err)
		}

		for _, comment := range page {
			result = append(result, IssueComment{
				ID:        comment.GetID(),
				UserID:    comment.GetUser().GetID(),
				Body:      comment.GetBody(),
				CreatedAt: comment.GetCreatedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func (c *GitHubClient) FetchAllStatusChecks(ctx context.Context, pr PullRequest) ([]StatusCheck, error) {
	var statuses []*github.RepoStatus

	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		statuses, _, err = c.gh.Repositories.ListStatuses(ctx, c.owner, c.repo, pr.Source.SHA,
			&github.ListOptions{PerPage: 100})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list statuses for PR #%d: %w", pr.Number, err)
	}

	result := make([]StatusCheck, 0, len(statuses))
	for _, s := range statuses {
		result = append(result, StatusCheck{
			Context: s.GetContext(),
			State:   convertCheckState(s.GetState()),
		})
	}

	return result, nil
}

func (c *GitHubClient) FetchCommitStatus(ctx context.Context, ref Branch) (*CommitState, error) {
	var combined *github.CombinedStatus

	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		combined, _, err = c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, ref.SHA,
			&github.ListOptions{PerPage: 100})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get combined status for %s: %w", ref.Ref, err)
	}

	state := &CommitState{
		State: convertCheckState(combined.GetState()),
	}
	for _, s := range combined.Statuses {
		state.Statuses = append(state.Statuses, StatusCheck{
			Context: s.GetContext(),
			State:   convertCheckState(s.GetState()),
		})
	}

	return state, nil
}

func (c *GitHubClient) FetchRequiredStatusChecks(ctx context.Context, branchRef string) (*RequiredStatusChecks, error) {
	var required *github.RequiredStatusChecks

	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		required, _, err = c.gh.Repositories.GetRequiredStatusChecks(ctx, c.owner, c.repo, branchRef)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get required checks for %s: %w", branchRef, err)
	}

	return &RequiredStatusChecks{Contexts: required.GetContexts()}, nil
}

func (c *GitHubClient) PostComment(ctx context.Context, body string, pr PullRequest) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, pr.Number,
			&github.IssueComment{Body: github.Ptr(body)})

		return err
	})
	if err != nil {
		return fmt.Errorf("post comment on PR #%d: %w", pr.Number, err)
	}

	return nil
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, label string, pr PullRequest) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, pr.Number, label)

		return err
	})
	if err != nil {
		return fmt.Errorf("remove label %q from PR #%d: %w", label, pr.Number, err)
	}

	return nil
}

func (c *GitHubClient) MergePullRequest(ctx context.Context, pr PullRequest) error {
	// Merges are not retried: a 5xx response does not guarantee the merge
	// did not happen, and a duplicate attempt would fail with a 405.
	_, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, pr.Number, "", &github.PullRequestOptions{})
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", pr.Number, err)
	}

	return nil
}

func (c *GitHubClient) MergeIntoBranch(ctx context.Context, branch Branch, headRef string) (BranchMergeResult, error) {
	commit, resp, err := c.gh.Repositories.Merge(ctx, c.owner, c.repo, &github.RepositoryMergeRequest{
		Base: github.Ptr(branch.Ref),
		Head: github.Ptr(headRef),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return BranchMergeConflict, nil
		}

		return "", fmt.Errorf("merge %s into %s: %w", headRef, branch.Ref, err)
	}

	// A 204 response means the base already contains the head.
	if commit == nil || resp.StatusCode == http.StatusNoContent {
		return BranchMergeUpToDate, nil
	}

	return BranchMergeSuccess, nil
}

func (c *GitHubClient) DeleteBranch(ctx context.Context, branchRef string) error {
	_, err := c.gh.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+branchRef)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", branchRef, err)
	}

	return nil
}

// FromGitHubPullRequest converts a go-github pull request into our metadata
// type. Exposed for the webhook handler, which decodes payloads itself.
func FromGitHubPullRequest(pr *github.PullRequest) PullRequestMetadata {
	return convertPullRequest(pr)
}

func convertPullRequest(pr *github.PullRequest) PullRequestMetadata {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return PullRequestMetadata{
		Reference: PullRequest{
			Number: pr.GetNumber(),
			Title:  pr.GetTitle(),
			Author: User{
				ID:    pr.GetUser().GetID(),
				Login: pr.GetUser().GetLogin(),
			},
			Source: Branch{Ref: pr.GetHead().GetRef(), SHA: pr.GetHead().GetSHA()},
			Target: Branch{Ref: pr.GetBase().GetRef(), SHA: pr.GetBase().GetSHA()},
			Labels: labels,
		},
		IsMerged:   pr.GetMerged(),
		MergeState: convertMergeState(pr.GetMergeableState()),
	}
}

func convertMergeState(s string) MergeState {
	switch s {
	case "clean":
		return MergeStateClean
	case "behind":
		return MergeStateBehind
	case "blocked":
		return MergeStateBlocked
	case "unstable":
		return MergeStateUnstable
	case "dirty":
		return MergeStateDirty
	default:
		// "unknown", "draft", "has_hooks", and anything GitHub adds later.
		return MergeStateUnknown
	}
}

func convertCheckState(s string) CheckState {
	switch s {
	case "success":
		return CheckStateSuccess
	case "failure", "error":
		return CheckStateFailure
	default:
		return CheckStatePending
	}
}
