package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/host"
)

// Mergeability of a behind PR is re-checked a bounded number of times while
// the host reports it as unknown.
const (
	unknownRetryAttempts = 4
	unknownRetryInterval = 30 * time.Second
)

// effectRunner keeps at most one state-keyed effect handler alive. A handler
// is spawned when its state is entered and cancelled when the state (or the
// keyed projection of it) is left. Re-entering a state with an identical key
// does not respawn the handler.
type effectRunner struct {
	svc    *Service
	key    string
	cancel context.CancelFunc
}

func newEffectRunner(svc *Service) *effectRunner {
	return &effectRunner{svc: svc}
}

func (r *effectRunner) sync(state State) {
	key, run := r.svc.effectFor(state)
	if key == r.key {
		return
	}

	r.stop()
	r.key = key

	if run == nil {
		return
	}

	ctx, cancel := context.WithCancel(r.svc.ctx)
	r.cancel = cancel

	go run(ctx)
}

func (r *effectRunner) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// metaKey is the skip-repeated projection of a PR's metadata: the handler is
// respawned only when one of these fields differs from the previous spawn.
func metaKey(meta host.PullRequestMetadata) string {
	return fmt.Sprintf("%d:%s:%s:%t",
		meta.Reference.Number, meta.Reference.Source.SHA, meta.MergeState, meta.IsMerged)
}

// effectFor selects the effect handler attached to a state, with its key.
func (s *Service) effectFor(state State) (string, func(context.Context)) {
	switch state.Status.Phase {
	case PhaseStarting:
		return "starting", s.startingEffect

	case PhaseIdle:
		return "idle", nil

	case PhaseReady:
		if len(state.Queue) == 0 {
			return "ready:empty", func(ctx context.Context) {
				s.emit(ctx, noMorePullRequests{})
			}
		}

		head := state.Queue[0]

		// Keyed on the whole queue shape so a failed head fetch is retried
		// as soon as any queue change lands.
		key := fmt.Sprintf("ready:%d:%d", head.Number, len(state.Queue))

		return key, func(ctx context.Context) { s.readyEffect(ctx, head) }

	case PhaseIntegrating:
		meta := *state.Status.Metadata

		return "integrating:" + metaKey(meta), func(ctx context.Context) { s.integratingEffect(ctx, meta) }

	case PhaseRunningStatusChecks:
		meta := *state.Status.Metadata
		key := fmt.Sprintf("checks:%s:%s", metaKey(meta), s.cfg.StatusChecksTimeout)

		return key, func(ctx context.Context) { s.statusChecksEffect(ctx, meta) }

	case PhaseIntegrationFailed:
		meta := *state.Status.Metadata
		reason := state.Status.Error

		return fmt.Sprintf("failed:%s:%s", metaKey(meta), reason), func(ctx context.Context) {
			s.failureEffect(ctx, meta, reason)
		}
	}

	return "", nil
}

// startingEffect reorders the initial PRs by the date of the bot's previous
// "accepted" comment (unknown dates sort last) and loads them into the queue.
func (s *Service) startingEffect(ctx context.Context) {
	type datedPR struct {
		pr   host.PullRequest
		date time.Time
	}

	distantFuture := time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

	dated := make([]datedPR, 0, len(s.initialPRs))
	for _, pr := range s.initialPRs {
		date := distantFuture

		comments, err := s.host.FetchIssueComments(ctx, pr)
		if err != nil {
			slog.Warn("failed to fetch comments during bootstrap", "pr", pr.Number, "error", err)
		}

		for _, c := range comments {
			if !isAcceptedComment(c, s.cfg.BotUserID) {
				continue
			}
			if date == distantFuture || c.CreatedAt.After(date) {
				date = c.CreatedAt
			}
		}

		dated = append(dated, datedPR{pr: pr, date: date})
	}

	sort.SliceStable(dated, func(i, j int) bool {
		return dated[i].date.Before(dated[j].date)
	})

	prs := make([]host.PullRequest, len(dated))
	for i, d := range dated {
		prs[i] = d.pr
	}

	s.emit(ctx, pullRequestsLoaded{prs: prs})
}

// readyEffect re-fetches the head of the queue for fresh metadata and asks
// the machine to integrate it. Fetch errors are dropped; a later queue change
// re-arms the effect.
func (s *Service) readyEffect(ctx context.Context, head host.PullRequest) {
	meta, err := s.host.FetchPullRequest(ctx, head.Number)
	if err != nil {
		slog.Warn("failed to fetch head of queue", "pr", head.Number, "error", err)

		return
	}

	s.emit(ctx, integrate{meta: *meta})
}

// integratingEffect drives one integration attempt for a PR, switching on
// the host's mergeability classification.
func (s *Service) integratingEffect(ctx context.Context, meta host.PullRequestMetadata) {
	if meta.IsMerged {
		s.emit(ctx, integrationStatusChanged{kind: integrationDone, meta: meta})

		return
	}

	switch meta.MergeState {
	case host.MergeStateClean:
		s.mergeAndFinish(ctx, meta)

	case host.MergeStateUnstable:
		if s.cfg.RequiresAllStatusChecks {
			s.checkCommitChecks(ctx, meta)
		} else {
			s.mergeAndFinish(ctx, meta)
		}

	case host.MergeStateBehind:
		s.updateSourceBranch(ctx, meta)

	case host.MergeStateBlocked:
		s.checkCommitChecks(ctx, meta)

	case host.MergeStateDirty:
		s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureConflicts})

	case host.MergeStateUnknown:
		s.resolveUnknownMergeState(ctx, meta)
	}
}

// mergeAndFinish merges the PR and deletes its source branch. Branch
// deletion failures are swallowed.
func (s *Service) mergeAndFinish(ctx context.Context, meta host.PullRequestMetadata) {
	if err := s.host.MergePullRequest(ctx, meta.Reference); err != nil {
		slog.Warn("merge failed", "pr", meta.Reference.Number, "error", err)
		s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureMergeFailed})

		return
	}

	if err := s.host.DeleteBranch(ctx, meta.Reference.Source.Ref); err != nil {
		slog.Warn("failed to delete source branch", "branch", meta.Reference.Source.Ref, "error", err)
	}

	slog.Info("merged PR", "pr", meta.Reference.Number, "branch", s.cfg.TargetBranch)
	s.emit(ctx, integrationStatusChanged{kind: integrationDone, meta: meta})
}

// updateSourceBranch merges the target's head into a behind PR's source
// branch, then waits for the corresponding synchronize event before handing
// over to status checks. The wait is bounded by SyncTimeout.
func (s *Service) updateSourceBranch(ctx context.Context, meta host.PullRequestMetadata) {
	// Subscribe before the merge call so the synchronize event cannot be lost.
	changes, unsubscribe := s.rawChanges.subscribe()
	defer unsubscribe()

	result, err := s.host.MergeIntoBranch(ctx, meta.Reference.Source, meta.Reference.Target.Ref)
	if err != nil {
		slog.Warn("failed to update source branch", "pr", meta.Reference.Number, "error", err)
		s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureSynchronizationFailed})

		return
	}

	if result == host.BranchMergeConflict {
		s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureConflicts})

		return
	}

	timeout := s.clock.NewTimer(s.cfg.SyncTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.Chan():
			s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureSynchronizationFailed})

			return
		case change := <-changes:
			if change.action != host.ActionSynchronize {
				continue
			}
			if change.meta.Reference.Source.Ref != meta.Reference.Source.Ref {
				continue
			}

			s.emit(ctx, integrationStatusChanged{kind: integrationUpdating, meta: meta})

			return
		}
	}
}

// checkCommitChecks inspects the status checks of a blocked PR and decides
// whether to wait, retry, or fail. Any host error in this path classifies as
// checkingCommitChecksFailed.
func (s *Service) checkCommitChecks(ctx context.Context, meta host.PullRequestMetadata) {
	fail := func(reason FailureReason, m host.PullRequestMetadata) {
		s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: m, reason: reason})
	}

	checks, err := s.host.FetchAllStatusChecks(ctx, meta.Reference)
	if err != nil {
		fail(FailureCheckingChecksFailed, meta)

		return
	}

	for _, check := range checks {
		if check.State == host.CheckStatePending {
			s.emit(ctx, integrationStatusChanged{kind: integrationUpdating, meta: meta})

			return
		}
	}

	commitState, err := s.host.FetchCommitStatus(ctx, meta.Reference.Source)
	if err != nil {
		fail(FailureCheckingChecksFailed, meta)

		return
	}

	switch commitState.State {
	case host.CheckStatePending:
		s.emit(ctx, integrationStatusChanged{kind: integrationUpdating, meta: meta})

	case host.CheckStateFailure:
		fail(FailureChecksFailing, meta)

	case host.CheckStateSuccess:
		refreshed, err := s.host.FetchPullRequest(ctx, meta.Reference.Number)
		if err != nil {
			fail(FailureCheckingChecksFailed, meta)

			return
		}

		if refreshed.MergeState == host.MergeStateClean {
			s.emit(ctx, retryIntegration{meta: *refreshed})
		} else {
			fail(FailureBlocked, *refreshed)
		}
	}
}

// resolveUnknownMergeState re-fetches the PR on an interval until the host
// has computed mergeability, giving up after a bounded number of attempts.
func (s *Service) resolveUnknownMergeState(ctx context.Context, meta host.PullRequestMetadata) {
	for attempt := 0; attempt < unknownRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(unknownRetryInterval):
		}

		refreshed, err := s.host.FetchPullRequest(ctx, meta.Reference.Number)
		if err != nil {
			slog.Warn("failed to re-fetch PR with unknown merge state", "pr", meta.Reference.Number, "error", err)

			continue
		}

		if refreshed.MergeState != host.MergeStateUnknown {
			s.emit(ctx, retryIntegration{meta: *refreshed})

			return
		}
	}

	s.emit(ctx, integrationStatusChanged{kind: integrationFailure, meta: meta, reason: FailureUnknown})
}

// statusChecksEffect waits for status checks to settle on the PR's source
// branch. Each qualifying status event re-arms a grace-period debounce that
// absorbs bursts of newly appearing checks; when it fires, checks are
// re-evaluated from fresh host data. The whole wait is bounded by
// StatusChecksTimeout.
func (s *Service) statusChecksEffect(ctx context.Context, meta host.PullRequestMetadata) {
	events, unsubscribe := s.statusEvents.subscribe()
	defer unsubscribe()

	timeout := s.clock.NewTimer(s.cfg.StatusChecksTimeout)
	defer timeout.Stop()

	var (
		debounce   clockwork.Timer
		debounceCh <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timeout.Chan():
			s.emit(ctx, statusChecksCompleted{outcome: checksTimedOut, meta: meta})

			return

		case ev := <-events:
			if ev.State == host.CheckStatePending || !ev.IsRelative(meta.Reference.Source.Ref) {
				continue
			}

			if debounce == nil {
				debounce = s.clock.NewTimer(s.cfg.StatusChecksGracePeriod)
				debounceCh = debounce.Chan()
			} else {
				debounce.Reset(s.cfg.StatusChecksGracePeriod)
			}

		case <-debounceCh:
			outcome, refreshed, ok := s.evaluateStatusChecks(ctx, meta)
			if !ok {
				// Transient host error: keep waiting, the next status event
				// re-arms the evaluation.
				continue
			}

			switch outcome {
			case host.CheckStateSuccess:
				s.emit(ctx, statusChecksCompleted{outcome: checksPassed, meta: refreshed})

				return
			case host.CheckStateFailure:
				s.emit(ctx, statusChecksCompleted{outcome: checksFailed, meta: refreshed})

				return
			case host.CheckStatePending:
				// Checks still running, keep waiting.
			}
		}
	}
}

// evaluateStatusChecks re-fetches the PR and its commit status and combines
// them into an aggregate check state. With RequiresAllStatusChecks the host
// aggregate is used directly; otherwise only required contexts count, with
// missing contexts treated as pending.
func (s *Service) evaluateStatusChecks(ctx context.Context, meta host.PullRequestMetadata) (host.CheckState, host.PullRequestMetadata, bool) {
	refreshed, err := s.host.FetchPullRequest(ctx, meta.Reference.Number)
	if err != nil {
		slog.Warn("failed to re-fetch PR during status checks", "pr", meta.Reference.Number, "error", err)

		return "", meta, false
	}

	commitState, err := s.host.FetchCommitStatus(ctx, refreshed.Reference.Source)
	if err != nil {
		slog.Warn("failed to fetch commit status", "pr", meta.Reference.Number, "error", err)

		return "", meta, false
	}

	if s.cfg.RequiresAllStatusChecks {
		return commitState.State, *refreshed, true
	}

	required, err := s.host.FetchRequiredStatusChecks(ctx, s.cfg.TargetBranch)
	if err != nil {
		slog.Warn("failed to fetch required checks", "branch", s.cfg.TargetBranch, "error", err)

		return "", meta, false
	}

	byContext := make(map[string]host.CheckState, len(commitState.Statuses))
	for _, check := range commitState.Statuses {
		byContext[check.Context] = check.State
	}

	states := make([]host.CheckState, 0, len(required.Contexts))
	for _, name := range required.Contexts {
		state, ok := byContext[name]
		if !ok {
			state = host.CheckStatePending
		}
		states = append(states, state)
	}

	return host.CombinedState(states), *refreshed, true
}

// failureEffect cleans up after a failed integration: notify the author and
// drop the integration label. Both sub-actions' failures are logged and
// swallowed; the machine progresses either way.
func (s *Service) failureEffect(ctx context.Context, meta host.PullRequestMetadata, reason FailureReason) {
	if err := s.host.PostComment(ctx, failureComment(meta.Reference, reason), meta.Reference); err != nil {
		slog.Warn("failed to post failure comment", "pr", meta.Reference.Number, "error", err)
	}

	if err := s.host.RemoveLabel(ctx, s.cfg.IntegrationLabel, meta.Reference); err != nil {
		slog.Warn("failed to remove integration label", "pr", meta.Reference.Number, "error", err)
	}

	slog.Info("integration failed", "pr", meta.Reference.Number, "reason", reason)
	s.emit(ctx, integrationFailureHandled{})
}
