// Package dispatch multiplexes many per-branch merge services: it creates
// them lazily, routes incoming events to the right branch, observes their
// health, and retires services that have been idle past the cleanup delay.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/events"
	"github.com/jogman/walle/internal/healthcheck"
	"github.com/jogman/walle/internal/host"
	"github.com/jogman/walle/internal/merge"
	"github.com/jogman/walle/internal/snapshot"
)

// Config holds the settings shared by every merge service the dispatcher
// creates.
type Config struct {
	IntegrationLabel        string
	TopPriorityLabels       []string
	RequiresAllStatusChecks bool
	StatusChecksTimeout     time.Duration
	StatusChecksGracePeriod time.Duration
	SyncTimeout             time.Duration
	BotUserID               int64
	// IdleCleanupDelay is how long a service may stay idle before it is
	// destroyed.
	IdleCleanupDelay time.Duration
}

// Deps holds the dependencies the dispatcher needs. Using a struct instead
// of individual fields makes testing straightforward — tests inject mocks.
type Deps struct {
	Host      host.Client
	Hub       *events.Hub
	Clock     clockwork.Clock
	Snapshots *snapshot.Store // optional; nil disables persistence
	Config    Config
}

// LifecycleKind discriminates lifecycle notifications.
type LifecycleKind string

const (
	LifecycleCreated      LifecycleKind = "created"
	LifecycleStateChanged LifecycleKind = "stateChanged"
	LifecycleDestroyed    LifecycleKind = "destroyed"
)

// LifecycleEvent notifies the surrounding system about a merge service.
type LifecycleEvent struct {
	Kind         LifecycleKind
	TargetBranch string
	State        merge.State
}

type managed struct {
	svc       *merge.Service
	health    *healthcheck.Check
	idleTimer clockwork.Timer
	idleGen   int
}

// Service is the dispatcher. The branch→service mapping is mutated only
// under its own lock; each merge service runs its own event loop.
type Service struct {
	deps *Deps
	cfg  Config

	ctx context.Context

	mu       sync.Mutex
	services map[string]*managed

	lifecycleFns []func(LifecycleEvent)
}

// New creates a dispatcher. Call Run to bootstrap and start routing.
func New(deps *Deps) *Service {
	return &Service{
		deps:     deps,
		cfg:      deps.Config,
		services: make(map[string]*managed),
	}
}

// OnLifecycle registers a callback for lifecycle notifications. Must be
// called before Run.
func (d *Service) OnLifecycle(fn func(LifecycleEvent)) {
	d.lifecycleFns = append(d.lifecycleFns, fn)
}

// Run bootstraps the per-branch services from the currently open labeled PRs
// and then routes events from the hub until ctx is cancelled.
func (d *Service) Run(ctx context.Context) error {
	d.ctx = ctx

	if err := d.bootstrap(ctx); err != nil {
		return err
	}

	prCh, cancelPR := d.deps.Hub.SubscribePullRequests()
	defer cancelPR()

	statusCh, cancelStatus := d.deps.Hub.SubscribeStatus()
	defer cancelStatus()

	for {
		select {
		case <-ctx.Done():
			d.stopAll()

			return nil
		case ev := <-prCh:
			d.routePullRequest(ev)
		case ev := <-statusCh:
			d.routeStatus(ev)
		}
	}
}

// bootstrap fetches all open PRs carrying the integration label, groups them
// by target branch, and creates one service per group in the starting phase.
func (d *Service) bootstrap(ctx context.Context) error {
	metas, err := d.deps.Host.ListOpenPullRequests(ctx)
	if err != nil {
		return err
	}

	groups := make(map[string][]host.PullRequest)
	var branches []string

	for _, meta := range metas {
		if !meta.Reference.HasLabel(d.cfg.IntegrationLabel) {
			continue
		}

		branch := meta.Reference.Target.Ref
		if _, seen := groups[branch]; !seen {
			branches = append(branches, branch)
		}
		groups[branch] = append(groups[branch], meta.Reference)
	}

	for _, branch := range branches {
		d.create(branch, groups[branch])
	}

	slog.Info("dispatcher bootstrapped", "branches", len(branches), "labeled_prs", len(metas))

	return nil
}

// create builds, registers, and starts a merge service for a branch.
// Caller must not hold d.mu.
func (d *Service) create(branch string, initial []host.PullRequest) *managed {
	cfg := merge.Config{
		TargetBranch:            branch,
		IntegrationLabel:        d.cfg.IntegrationLabel,
		TopPriorityLabels:       d.cfg.TopPriorityLabels,
		RequiresAllStatusChecks: d.cfg.RequiresAllStatusChecks,
		StatusChecksTimeout:     d.cfg.StatusChecksTimeout,
		StatusChecksGracePeriod: d.cfg.StatusChecksGracePeriod,
		SyncTimeout:             d.cfg.SyncTimeout,
		BotUserID:               d.cfg.BotUserID,
	}

	svc := merge.New(cfg, d.deps.Host, d.deps.Clock, initial)
	health := healthcheck.New(d.deps.Clock, cfg.StatusChecksTimeout)

	m := &managed{svc: svc, health: health}

	svc.OnTransition(health.Observe)
	svc.OnTransition(func(t merge.Transition) {
		d.onTransition(branch, t)
	})

	d.mu.Lock()
	d.services[branch] = m
	d.mu.Unlock()

	svc.Start(d.ctx)

	slog.Info("merge service created", "branch", branch, "initial_prs", len(initial))
	d.notify(LifecycleEvent{Kind: LifecycleCreated, TargetBranch: branch, State: svc.State()})

	return m
}

// onTransition handles a state change of one service: publish it, persist
// the snapshot, and manage the idle cleanup timer.
func (d *Service) onTransition(branch string, t merge.Transition) {
	d.mu.Lock()
	m, ok := d.services[branch]
	if !ok {
		// Already retired; events from a destroyed service are not routed.
		d.mu.Unlock()

		return
	}

	m.idleGen++
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	if t.Current.Status.Phase == merge.PhaseIdle && d.cfg.IdleCleanupDelay > 0 {
		gen := m.idleGen
		m.idleTimer = d.deps.Clock.AfterFunc(d.cfg.IdleCleanupDelay, func() {
			d.retire(branch, gen)
		})
	}
	d.mu.Unlock()

	d.notify(LifecycleEvent{Kind: LifecycleStateChanged, TargetBranch: branch, State: t.Current})
	d.persist(t.Current)
}

// retire destroys a service that stayed idle through its grace window.
func (d *Service) retire(branch string, gen int) {
	d.mu.Lock()
	m, ok := d.services[branch]
	if !ok || m.idleGen != gen {
		d.mu.Unlock()

		return
	}
	delete(d.services, branch)
	d.mu.Unlock()

	// Stop outside the lock: the service loop may be inside a transition
	// callback that takes it.
	m.svc.Stop()

	slog.Info("merge service destroyed after idle delay", "branch", branch)
	d.notify(LifecycleEvent{Kind: LifecycleDestroyed, TargetBranch: branch, State: m.svc.State()})

	if d.deps.Snapshots != nil {
		go func() {
			if err := d.deps.Snapshots.Delete(context.Background(), branch); err != nil {
				slog.Warn("failed to delete snapshot", "branch", branch, "error", err)
			}
		}()
	}
}

// routePullRequest forwards a PR change to the service of its target branch,
// creating one when the event would include the PR in a new queue.
func (d *Service) routePullRequest(ev events.PullRequestEvent) {
	branch := ev.Metadata.Reference.Target.Ref

	d.mu.Lock()
	m, ok := d.services[branch]
	d.mu.Unlock()

	if !ok {
		if !merge.ClassifiesAsInclude(d.cfg.IntegrationLabel, ev.Metadata, ev.Action) {
			return
		}

		m = d.create(branch, nil)
	}

	m.svc.SubmitPullRequestChange(ev.Metadata, ev.Action)
}

// routeStatus delivers a status event to every service that owns a PR with
// the event's source branch. Unowned events are dropped.
func (d *Service) routeStatus(ev host.StatusEvent) {
	d.mu.Lock()
	owners := make([]*managed, 0, 1)
	for _, m := range d.services {
		if m.svc.OwnsSourceRef(ev.BranchRef) {
			owners = append(owners, m)
		}
	}
	d.mu.Unlock()

	for _, m := range owners {
		m.svc.SubmitStatusEvent(ev)
	}
}

func (d *Service) persist(state merge.State) {
	if d.deps.Snapshots == nil {
		return
	}

	go func() {
		if err := d.deps.Snapshots.Save(context.Background(), state); err != nil {
			slog.Warn("failed to save snapshot", "branch", state.TargetBranch, "error", err)
		}
	}()
}

func (d *Service) notify(ev LifecycleEvent) {
	for _, fn := range d.lifecycleFns {
		fn(ev)
	}
}

func (d *Service) stopAll() {
	d.mu.Lock()
	all := make([]*managed, 0, len(d.services))
	for branch, m := range d.services {
		all = append(all, m)
		delete(d.services, branch)
	}
	d.mu.Unlock()

	for _, m := range all {
		m.svc.Stop()
	}
}

// Lookup returns the merge service for a branch, or nil.
func (d *Service) Lookup(branch string) *merge.Service {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.services[branch]; ok {
		return m.svc
	}

	return nil
}

// Branches returns a snapshot of all branches with an active merge service.
func (d *Service) Branches() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	branches := make([]string, 0, len(d.services))
	for b := range d.services {
		branches = append(branches, b)
	}

	return branches
}

// Health returns the healthcheck status of every active merge service.
func (d *Service) Health() map[string]healthcheck.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make(map[string]healthcheck.Status, len(d.services))
	for branch, m := range d.services {
		result[branch] = m.health.Status()
	}

	return result
}
