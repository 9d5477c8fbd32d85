package merge

import "github.com/jogman/walle/internal/host"

// event is the internal event type consumed by the reducer. Events come from
// two places: external submissions (classified PR changes) and effect
// handlers feeding back their results.
type event interface {
	isEvent()
}

// noMorePullRequests signals that the queue drained.
type noMorePullRequests struct{}

// pullRequestsLoaded delivers the bootstrap queue, already ordered by prior
// "accepted" comment date.
type pullRequestsLoaded struct {
	prs []host.PullRequest
}

// pullRequestChange is a classified external PR change: inclusion into or
// exclusion from the queue.
type pullRequestChange struct {
	pr      host.PullRequest
	include bool
}

// integrate asks the machine to start integrating the given PR.
type integrate struct {
	meta host.PullRequestMetadata
}

// retryIntegration restarts integration with refreshed metadata.
type retryIntegration struct {
	meta host.PullRequestMetadata
}

type integrationStatusKind int

const (
	integrationUpdating integrationStatusKind = iota
	integrationDone
	integrationFailure
)

// integrationStatusChanged reports progress of the integrating effect.
type integrationStatusChanged struct {
	kind   integrationStatusKind
	meta   host.PullRequestMetadata
	reason FailureReason // set for integrationFailure
}

type checksOutcome int

const (
	checksPassed checksOutcome = iota
	checksFailed
	checksTimedOut
)

// statusChecksCompleted reports the outcome of waiting for status checks.
type statusChecksCompleted struct {
	outcome checksOutcome
	meta    host.PullRequestMetadata
}

// integrationFailureHandled signals that failure cleanup finished.
type integrationFailureHandled struct{}

func (noMorePullRequests) isEvent()        {}
func (pullRequestsLoaded) isEvent()        {}
func (pullRequestChange) isEvent()         {}
func (integrate) isEvent()                 {}
func (retryIntegration) isEvent()          {}
func (integrationStatusChanged) isEvent()  {}
func (statusChecksCompleted) isEvent()     {}
func (integrationFailureHandled) isEvent() {}

// ClassifiesAsInclude reports whether a PR change would add the PR to the
// queue of its target branch. The dispatcher uses this to decide whether an
// event for an unmanaged branch warrants creating a new service.
func ClassifiesAsInclude(integrationLabel string, meta host.PullRequestMetadata, action host.PullRequestAction) bool {
	switch action {
	case host.ActionOpened:
		return meta.Reference.HasLabel(integrationLabel)
	case host.ActionLabeled:
		return meta.Reference.HasLabel(integrationLabel) && !meta.IsMerged
	default:
		return false
	}
}

// classify maps an external (metadata, action) pair to an inclusion or
// exclusion event. The second return is false for actions the machine drops.
func classify(integrationLabel string, meta host.PullRequestMetadata, action host.PullRequestAction) (event, bool) {
	if ClassifiesAsInclude(integrationLabel, meta, action) {
		return pullRequestChange{pr: meta.Reference, include: true}, true
	}

	switch action {
	case host.ActionUnlabeled:
		if !meta.Reference.HasLabel(integrationLabel) {
			return pullRequestChange{pr: meta.Reference, include: false}, true
		}

		return nil, false
	case host.ActionClosed:
		return pullRequestChange{pr: meta.Reference, include: false}, true
	default:
		return nil, false
	}
}
