package merge

import (
	"testing"
	"time"

	"github.com/jogman/walle/internal/host"
)

func TestAcceptedComment(t *testing.T) {
	got := acceptedComment(0, "main", false)
	want := "Your pull request was accepted, it will be handled right away."
	if got != want {
		t.Fatalf("acceptedComment = %q, want %q", got, want)
	}

	// Head of the queue while another integration runs is still position #1.
	got = acceptedComment(0, "main", true)
	want = "Your pull request was accepted, it is currently #1 in the `main` queue."
	if got != want {
		t.Fatalf("acceptedComment = %q, want %q", got, want)
	}

	got = acceptedComment(2, "release", false)
	want = "Your pull request was accepted, it is currently #3 in the `release` queue."
	if got != want {
		t.Fatalf("acceptedComment = %q, want %q", got, want)
	}
}

func TestFailureComment(t *testing.T) {
	pr := makePR(7)

	got := failureComment(pr, FailureConflicts)
	want := "@user7 unfortunately the integration failed with code: `conflicts`."
	if got != want {
		t.Fatalf("failureComment = %q, want %q", got, want)
	}
}

func TestIsAcceptedComment(t *testing.T) {
	accepted := host.IssueComment{
		UserID:    42,
		Body:      "Your pull request was accepted, it is currently #2 in the `main` queue.",
		CreatedAt: time.Now(),
	}
	rebooted := accepted
	rebooted.Body = rebootPrefix + accepted.Body
	unrelated := host.IssueComment{UserID: 42, Body: "LGTM"}

	if !isAcceptedComment(accepted, 0) {
		t.Fatal("accepted comment not recognized without bot filter")
	}
	if !isAcceptedComment(accepted, 42) {
		t.Fatal("accepted comment not recognized with matching bot user")
	}
	if !isAcceptedComment(rebooted, 42) {
		t.Fatal("reboot-prefixed accepted comment not recognized")
	}
	if isAcceptedComment(accepted, 99) {
		t.Fatal("comment from another user recognized as the bot's")
	}
	if isAcceptedComment(unrelated, 42) {
		t.Fatal("unrelated comment recognized as accepted")
	}
}
