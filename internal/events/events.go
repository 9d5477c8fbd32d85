// Package events provides the multicast streams connecting the webhook
// surface to the dispatcher: pull-request change events and status-check
// events, fanned out to every subscriber.
package events

import (
	"log/slog"
	"sync"

	"github.com/jogman/walle/internal/host"
)

// PullRequestEvent pairs a PR snapshot with the action that produced it.
type PullRequestEvent struct {
	Metadata host.PullRequestMetadata
	Action   host.PullRequestAction
}

// Hub multicasts events to all subscribers. Publishing never blocks: a
// subscriber that falls behind loses events and must re-derive state from
// the host. Safe for concurrent use.
type Hub struct {
	mu         sync.Mutex
	prSubs     map[int]chan PullRequestEvent
	statusSubs map[int]chan host.StatusEvent
	next       int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		prSubs:     make(map[int]chan PullRequestEvent),
		statusSubs: make(map[int]chan host.StatusEvent),
	}
}

// PublishPullRequest delivers a PR change event to all subscribers.
func (h *Hub) PublishPullRequest(ev PullRequestEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.prSubs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping pull request event for slow subscriber", "pr", ev.Metadata.Reference.Number)
		}
	}
}

// PublishStatus delivers a status-check event to all subscribers.
func (h *Hub) PublishStatus(ev host.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.statusSubs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping status event for slow subscriber", "context", ev.Context)
		}
	}
}

// SubscribePullRequests returns a channel of PR change events and a cancel
// function. Cancelling removes the subscription; the channel is not closed.
func (h *Hub) SubscribePullRequests() (<-chan PullRequestEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan PullRequestEvent, 256)
	h.prSubs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.prSubs, id)
	}
}

// SubscribeStatus returns a channel of status events and a cancel function.
func (h *Hub) SubscribeStatus() (<-chan host.StatusEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan host.StatusEvent, 256)
	h.statusSubs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.statusSubs, id)
	}
}
