package merge

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jogman/walle/internal/host"
)

// rebootPrefix is prepended to accepted comments posted while recovering the
// queue after a process restart.
const rebootPrefix = "WallE just started after a reboot.\n"

// acceptedPrefix identifies the bot's own acceptance comments when scanning a
// PR's history during bootstrap.
const acceptedPrefix = "Your pull request was accepted"

// acceptedComment builds the comment posted when a PR enters the queue.
func acceptedComment(position int, targetBranch string, integrationInProgress bool) string {
	if position == 0 && !integrationInProgress {
		return acceptedPrefix + ", it will be handled right away."
	}

	return fmt.Sprintf("%s, it is currently #%d in the `%s` queue.", acceptedPrefix, position+1, targetBranch)
}

// failureComment builds the comment posted when an integration fails.
func failureComment(pr host.PullRequest, reason FailureReason) string {
	return fmt.Sprintf("@%s unfortunately the integration failed with code: `%s`.", pr.Author.Login, reason)
}

// isAcceptedComment reports whether a comment is one of the bot's acceptance
// comments. With a known bot user the author is checked as well.
func isAcceptedComment(c host.IssueComment, botUserID int64) bool {
	if botUserID != 0 && c.UserID != botUserID {
		return false
	}

	return strings.Contains(c.Body, acceptedPrefix)
}

// announceQueueInsertions posts an "accepted" comment for every PR that
// newly appeared in the queue during a transition. Posting failures are
// swallowed. Transitions out of the starting phase carry the reboot prefix,
// even for PRs the bot has commented on before.
func (s *Service) announceQueueInsertions(prev, next State) {
	known := make(map[int]bool, len(prev.Queue))
	for _, pr := range prev.Queue {
		known[pr.Number] = true
	}

	fromStarting := prev.Status.Phase == PhaseStarting
	inProgress := next.Status.IntegrationInProgress()

	for i, pr := range next.Queue {
		if known[pr.Number] {
			continue
		}

		body := acceptedComment(i, s.cfg.TargetBranch, inProgress)
		if fromStarting {
			body = rebootPrefix + body
		}

		go func(body string, pr host.PullRequest) {
			if err := s.host.PostComment(s.ctx, body, pr); err != nil {
				slog.Warn("failed to post accepted comment", "pr", pr.Number, "error", err)
			}
		}(body, pr)
	}
}
