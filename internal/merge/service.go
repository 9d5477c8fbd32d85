package merge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/host"
)

// Config holds the per-branch settings of a merge service.
type Config struct {
	TargetBranch            string
	IntegrationLabel        string
	TopPriorityLabels       []string
	RequiresAllStatusChecks bool
	// StatusChecksTimeout bounds the whole runningStatusChecks wait.
	StatusChecksTimeout time.Duration
	// StatusChecksGracePeriod debounces bursts of status events before
	// re-evaluating checks.
	StatusChecksGracePeriod time.Duration
	// SyncTimeout bounds the wait for a synchronize event after updating a
	// behind PR's source branch.
	SyncTimeout time.Duration
	// BotUserID, when non-zero, restricts "accepted" comment scanning during
	// bootstrap to comments posted by this user.
	BotUserID int64
}

func (c Config) withDefaults() Config {
	if c.StatusChecksTimeout <= 0 {
		c.StatusChecksTimeout = 90 * time.Minute
	}
	if c.StatusChecksGracePeriod <= 0 {
		c.StatusChecksGracePeriod = 60 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 60 * time.Second
	}

	return c
}

// Transition is a single observable state change.
type Transition struct {
	Previous State
	Current  State
}

// rawChange is an unclassified PR change, multicast to effect handlers that
// wait for specific actions (e.g. synchronize after a source-branch update).
type rawChange struct {
	meta   host.PullRequestMetadata
	action host.PullRequestAction
}

// Service owns the queue and state machine for one target branch. Events are
// folded into the state by a single goroutine reading from a mailbox, so
// reductions are serialized; effect handlers run outside the reducer and feed
// their results back as events.
type Service struct {
	cfg   Config
	host  host.Client
	clock clockwork.Clock

	initialPRs []host.PullRequest

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mailbox chan event

	rawChanges   *broadcaster[rawChange]
	statusEvents *broadcaster[host.StatusEvent]

	mu           sync.Mutex
	state        State
	onTransition []func(Transition)
}

// New creates a merge service in the starting phase. If initialPRs is
// non-empty, the bootstrap effect reorders them by prior "accepted" comment
// date before the queue becomes ready. Call Start to begin processing.
func New(cfg Config, hostClient host.Client, clock clockwork.Clock, initialPRs []host.PullRequest) *Service {
	cfg = cfg.withDefaults()

	return &Service{
		cfg:          cfg,
		host:         hostClient,
		clock:        clock,
		initialPRs:   initialPRs,
		done:         make(chan struct{}),
		mailbox:      make(chan event, 64),
		rawChanges:   newBroadcaster[rawChange](),
		statusEvents: newBroadcaster[host.StatusEvent](),
		state: State{
			TargetBranch: cfg.TargetBranch,
			Status:       Status{Phase: PhaseStarting},
		},
	}
}

// OnTransition registers a callback invoked after every state change, on the
// service's own goroutine. Must be called before Start.
func (s *Service) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onTransition = append(s.onTransition, fn)
}

// Start begins the event loop. The service stops when ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
}

// Stop cancels all pending effects and timers and waits for the event loop
// to exit. No events are delivered after Stop returns.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
}

// State returns a snapshot of the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// OwnsSourceRef reports whether the service currently tracks a PR whose
// source branch matches the given ref, either queued or in flight. The
// dispatcher uses this to route status events.
func (s *Service) OwnsSourceRef(branchRef string) bool {
	state := s.State()

	if state.Status.Metadata != nil && state.Status.Metadata.Reference.Source.Ref == branchRef {
		return true
	}

	for _, pr := range state.Queue {
		if pr.Source.Ref == branchRef {
			return true
		}
	}

	return false
}

// SubmitPullRequestChange injects an external PR change. The change is
// classified into an inclusion/exclusion event for the reducer and also
// multicast unclassified to effect handlers waiting for specific actions.
func (s *Service) SubmitPullRequestChange(meta host.PullRequestMetadata, action host.PullRequestAction) {
	s.rawChanges.publish(rawChange{meta: meta, action: action})

	ev, ok := classify(s.cfg.IntegrationLabel, meta, action)
	if !ok {
		return
	}

	s.submit(ev)
}

// SubmitStatusEvent injects an external status-check event. It is consumed
// by the runningStatusChecks effect; in any other phase it is dropped.
func (s *Service) SubmitStatusEvent(ev host.StatusEvent) {
	s.statusEvents.publish(ev)
}

// submit enqueues an event into the mailbox, preserving submission order.
func (s *Service) submit(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.ctx.Done():
	}
}

// emit is the feedback callback handed to effect handlers: it delivers an
// event unless the effect has been cancelled.
func (s *Service) emit(ctx context.Context, ev event) {
	select {
	case s.mailbox <- ev:
	case <-ctx.Done():
	}
}

func (s *Service) run() {
	defer close(s.done)

	effects := newEffectRunner(s)
	defer effects.stop()

	// Enter the initial state: fires the bootstrap effect.
	effects.sync(s.State())

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.mailbox:
			s.step(effects, ev)
		}
	}
}

// step applies one event: reduce, publish the transition, resync effects,
// and post "accepted" comments for PRs that entered the queue.
func (s *Service) step(effects *effectRunner, ev event) {
	s.mu.Lock()
	prev := s.state
	next := reduce(s.cfg.TopPriorityLabels, prev, ev)
	changed := !next.Equal(prev)
	if changed {
		s.state = next
	}
	callbacks := s.onTransition
	s.mu.Unlock()

	if !changed {
		return
	}

	slog.Debug("state transition",
		"branch", s.cfg.TargetBranch,
		"from", prev.Status.Phase,
		"to", next.Status.Phase,
		"queue_len", len(next.Queue),
	)

	for _, fn := range callbacks {
		fn(Transition{Previous: prev, Current: next})
	}

	effects.sync(next)
	s.announceQueueInsertions(prev, next)
}

// broadcaster is a minimal multicast channel fan-out. Sends never block:
// a subscriber that falls behind loses events, which is acceptable for the
// effect streams (they re-derive state from the host on each trigger).
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]chan T)}
}

// subscribe returns a receive channel and a cancel function. Cancelling
// removes the subscription; the channel is not closed.
func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan T, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs, id)
	}
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			slog.Warn("dropping event for slow subscriber")
		}
	}
}
