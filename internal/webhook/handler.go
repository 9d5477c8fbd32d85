// Package webhook implements the HTTP handler that receives GitHub webhook
// events (pull_request, status) and publishes them to the event hub.
package webhook

import (
	"log/slog"
	"net/http"

	"github.com/google/go-github/v84/github"

	"github.com/jogman/walle/internal/events"
	"github.com/jogman/walle/internal/host"
)

// Handler returns an http.Handler that validates and decodes GitHub webhook
// deliveries for the given "owner/name" repository and publishes them to the
// hub. Events for other repositories and event types we don't act on are
// acknowledged and dropped.
func Handler(secret, repoFullName string, hub *events.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		payload, err := github.ValidatePayload(r, []byte(secret))
		if err != nil {
			slog.Warn("webhook signature validation failed", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			slog.Warn("malformed webhook payload", "type", github.WebHookType(r), "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		switch ev := event.(type) {
		case *github.PullRequestEvent:
			if ev.GetRepo().GetFullName() != repoFullName {
				slog.Debug("webhook for unmanaged repo", "repo", ev.GetRepo().GetFullName())
				break
			}
			handlePullRequest(hub, ev)
		case *github.StatusEvent:
			if ev.GetRepo().GetFullName() != repoFullName {
				slog.Debug("webhook for unmanaged repo", "repo", ev.GetRepo().GetFullName())
				break
			}
			handleStatus(hub, ev)
		default:
			// ping, check_suite, push, ... — acknowledged, not routed.
		}

		w.WriteHeader(http.StatusOK)
	})
}

func handlePullRequest(hub *events.Hub, ev *github.PullRequestEvent) {
	action, ok := mapAction(ev.GetAction())
	if !ok {
		return
	}

	hub.PublishPullRequest(events.PullRequestEvent{
		Metadata: host.FromGitHubPullRequest(ev.GetPullRequest()),
		Action:   action,
	})
}

// handleStatus publishes one event per branch the commit is the head of.
// GitHub reports the branches in the payload; a status for a commit that is
// no longer any branch head produces nothing.
func handleStatus(hub *events.Hub, ev *github.StatusEvent) {
	for _, branch := range ev.Branches {
		hub.PublishStatus(host.StatusEvent{
			Context:   ev.GetContext(),
			State:     mapCheckState(ev.GetState()),
			SHA:       ev.GetSHA(),
			BranchRef: branch.GetName(),
		})
	}
}

func mapAction(s string) (host.PullRequestAction, bool) {
	switch s {
	case "opened", "reopened":
		return host.ActionOpened, true
	case "labeled":
		return host.ActionLabeled, true
	case "unlabeled":
		return host.ActionUnlabeled, true
	case "closed":
		return host.ActionClosed, true
	case "synchronize":
		return host.ActionSynchronize, true
	default:
		return "", false
	}
}

func mapCheckState(s string) host.CheckState {
	switch s {
	case "success":
		return host.CheckStateSuccess
	case "failure", "error":
		return host.CheckStateFailure
	default:
		return host.CheckStatePending
	}
}
