package host

import (
	"context"
	"fmt"
	"sync"
)

// MockCall records a single method call made to the mock client.
type MockCall struct {
	Method string
	Args   []any
}

// MockClient is a test double for Client that records all calls and returns
// configurable responses. Safe for concurrent use.
type MockClient struct {
	mu    sync.Mutex
	Calls []MockCall

	// Response configurators. Set these before calling the method under test.
	// Each returns (result, error). If nil, the method returns zero value + nil.

	FetchPullRequestFn          func(ctx context.Context, number int) (*PullRequestMetadata, error)
	ListOpenPullRequestsFn      func(ctx context.Context) ([]PullRequestMetadata, error)
	FetchIssueCommentsFn        func(ctx context.Context, pr PullRequest) ([]IssueComment, error)
	FetchAllStatusChecksFn      func(ctx context.Context, pr PullRequest) ([]StatusCheck, error)
	FetchCommitStatusFn         func(ctx context.Context, ref Branch) (*CommitState, error)
	FetchRequiredStatusChecksFn func(ctx context.Context, branchRef string) (*RequiredStatusChecks, error)
	PostCommentFn               func(ctx context.Context, body string, pr PullRequest) error
	RemoveLabelFn               func(ctx context.Context, label string, pr PullRequest) error
	MergePullRequestFn          func(ctx context.Context, pr PullRequest) error
	MergeIntoBranchFn           func(ctx context.Context, branch Branch, headRef string) (BranchMergeResult, error)
	DeleteBranchFn              func(ctx context.Context, branchRef string) error
}

// Ensure MockClient implements Client at compile time.
var _ Client = (*MockClient)(nil)

func (m *MockClient) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// CallsTo returns all recorded calls to the named method.
func (m *MockClient) CallsTo(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []MockCall
	for _, c := range m.Calls {
		if c.Method == method {
			result = append(result, c)
		}
	}

	return result
}

// Reset clears all recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
}

func (m *MockClient) FetchPullRequest(ctx context.Context, number int) (*PullRequestMetadata, error) {
	m.record("FetchPullRequest", number)

	if m.FetchPullRequestFn != nil {
		return m.FetchPullRequestFn(ctx, number)
	}

	return nil, fmt.Errorf("PR #%d not found", number)
}

func (m *MockClient) ListOpenPullRequests(ctx context.Context) ([]PullRequestMetadata, error) {
	m.record("ListOpenPullRequests")

	if m.ListOpenPullRequestsFn != nil {
		return m.ListOpenPullRequestsFn(ctx)
	}

	return nil, nil
}

func (m *MockClient) FetchIssueComments(ctx context.Context, pr PullRequest) ([]IssueComment, error) {
	m.record("FetchIssueComments", pr.Number)

	if m.FetchIssueCommentsFn != nil {
		return m.FetchIssueCommentsFn(ctx, pr)
	}

	return nil, nil
}

func (m *MockClient) FetchAllStatusChecks(ctx context.Context, pr PullRequest) ([]StatusCheck, error) {
	m.record("FetchAllStatusChecks", pr.Number)

	if m.FetchAllStatusChecksFn != nil {
		return m.FetchAllStatusChecksFn(ctx, pr)
	}

	return nil, nil
}

func (m *MockClient) FetchCommitStatus(ctx context.Context, ref Branch) (*CommitState, error) {
	m.record("FetchCommitStatus", ref)

	if m.FetchCommitStatusFn != nil {
		return m.FetchCommitStatusFn(ctx, ref)
	}

	return &CommitState{State: CheckStatePending}, nil
}

func (m *MockClient) FetchRequiredStatusChecks(ctx context.Context, branchRef string) (*RequiredStatusChecks, error) {
	m.record("FetchRequiredStatusChecks", branchRef)

	if m.FetchRequiredStatusChecksFn != nil {
		return m.FetchRequiredStatusChecksFn(ctx, branchRef)
	}

	return &RequiredStatusChecks{}, nil
}

func (m *MockClient) PostComment(ctx context.Context, body string, pr PullRequest) error {
	m.record("PostComment", body, pr.Number)

	if m.PostCommentFn != nil {
		return m.PostCommentFn(ctx, body, pr)
	}

	return nil
}

func (m *MockClient) RemoveLabel(ctx context.Context, label string, pr PullRequest) error {
	m.record("RemoveLabel", label, pr.Number)

	if m.RemoveLabelFn != nil {
		return m.RemoveLabelFn(ctx, label, pr)
	}

	return nil
}

func (m *MockClient) MergePullRequest(ctx context.Context, pr PullRequest) error {
	m.record("MergePullRequest", pr.Number)

	if m.MergePullRequestFn != nil {
		return m.MergePullRequestFn(ctx, pr)
	}

	return nil
}

func (m *MockClient) MergeIntoBranch(ctx context.Context, branch Branch, headRef string) (BranchMergeResult, error) {
	m.record("MergeIntoBranch", branch, headRef)

	if m.MergeIntoBranchFn != nil {
		return m.MergeIntoBranchFn(ctx, branch, headRef)
	}

	return BranchMergeSuccess, nil
}

func (m *MockClient) DeleteBranch(ctx context.Context, branchRef string) error {
	m.record("DeleteBranch", branchRef)

	if m.DeleteBranchFn != nil {
		return m.DeleteBranchFn(ctx, branchRef)
	}

	return nil
}
