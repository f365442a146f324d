// Package collab declares the external systems the workflow tracker talks
// to. Implementations live under internal/ (jira, telegram, github,
// testrunner).
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCollaboratorUnavailable marks a failed call to an external system. The
// state change that triggered the call is never rolled back because of it.
var ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

// ErrNoTransition is returned by an IssueTracker whose own workflow offers
// no transition to the requested status. Retrying does not help.
var ErrNoTransition = errors.New("no matching tracker transition")

// Unavailable wraps err so that errors.Is(err, ErrCollaboratorUnavailable)
// holds while keeping the original cause in the message.
func Unavailable(system string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{system: system, cause: err}
}

type unavailableError struct {
	system string
	cause  error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.system, ErrCollaboratorUnavailable, e.cause)
}

func (e *unavailableError) Is(target error) bool { return target == ErrCollaboratorUnavailable }

func (e *unavailableError) Unwrap() error { return e.cause }

// Issue is a tracker issue as seen by the workflow.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	IssueType   string
	Priority    string
	Created     time.Time
}

// Comment is one tracker comment.
type Comment struct {
	ID      string
	Author  string
	Body    string
	Created time.Time
}

// IssueTracker is a Jira-like issue tracker.
type IssueTracker interface {
	GetIssue(ctx context.Context, key string) (Issue, error)
	ListByStatus(ctx context.Context, statuses []string) ([]Issue, error)
	CreateIssue(ctx context.Context, summary, description, issueType string) (string, error)
	AddComment(ctx context.Context, key, body string) error
	Comments(ctx context.Context, key string) ([]Comment, error)
	Transition(ctx context.Context, key, targetStatus string) error
}

// Notifier delivers chat messages. Send reports whether the message was
// accepted by the remote side.
type Notifier interface {
	Send(ctx context.Context, channel, message string) (bool, error)
}

// PRState is the state of a pull request.
type PRState string

const (
	PROpen   PRState = "OPEN"
	PRClosed PRState = "CLOSED"
	PRMerged PRState = "MERGED"
)

// PullRequest is the source control view of a change request.
type PullRequest struct {
	Number int
	Title  string
	URL    string
	State  PRState
	Draft  bool
}

// SourceControl is a git hosting service.
type SourceControl interface {
	CreateBranch(ctx context.Context, name string) error
	CreatePR(ctx context.Context, base, title, body string) (int, error)
	PRStatus(ctx context.Context, number int) (PullRequest, error)
	MergePR(ctx context.Context, number int) error
}

// TestOutcome is the result of one remote test run.
type TestOutcome struct {
	Passed   bool
	Output   string
	Duration time.Duration
}

// TestRunner executes a test suite in a named environment.
type TestRunner interface {
	Run(ctx context.Context, environment, suite string) (TestOutcome, error)
}
