package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

// Prefixes of comments written by the worker. Comments starting with one of
// them are never read back as user input.
const (
	autoPrefix        = "[Auto-"
	workerErrorPrefix = "[Worker Error]"
	blockerPrefix     = "[Auto-Blocker]"
	testsFailedPrefix = "[Tests Failed]"
)

var automationPrefixes = []string{autoPrefix, "[Worker", "[Work Started]", "[Code Review]", "[Tests ", "[Documentation"}

var blockerKeywords = []string{
	"blocked",
	"blocker",
	"waiting for",
	"help needed",
	"question",
	"unclear",
	"stuck",
	"cannot proceed",
	"dependency",
	"blockiert",
	"frage",
	"unklar",
}

var implementationKeywords = []string{
	"implemented", "added", "created", "fixed", "updated",
	"changed", "modified", "refactored", "completed",
}

func isAutomation(c collab.Comment) bool {
	for _, p := range automationPrefixes {
		if strings.HasPrefix(c.Body, p) {
			return true
		}
	}
	return false
}

// userCommentsSince returns the user comments after the last comment that
// starts with prefix, or all user comments when there is none.
func userCommentsSince(comments []collab.Comment, prefix string) []collab.Comment {
	start := 0
	for i, c := range comments {
		if strings.HasPrefix(c.Body, prefix) {
			start = i + 1
		}
	}
	var out []collab.Comment
	for _, c := range comments[start:] {
		if !isAutomation(c) {
			out = append(out, c)
		}
	}
	return out
}

func findBlocker(comments []collab.Comment) (collab.Comment, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		body := strings.ToLower(comments[i].Body)
		for _, kw := range blockerKeywords {
			if strings.Contains(body, kw) {
				return comments[i], true
			}
		}
	}
	return collab.Comment{}, false
}

func (w *Worker) advance(ctx context.Context, issue collab.Issue, to models.WorkflowStatus) error {
	return w.flow.TransitionFrom(ctx, issue.Key, models.WorkflowStatus(issue.Status), to, statusgraph.OriginAutomatic)
}

func (w *Worker) handleToDo(ctx context.Context, issue collab.Issue) (string, error) {
	if err := w.tracker.AddComment(ctx, issue.Key, planComment(issue)); err != nil {
		return "", errors.Wrap(err, "add plan")
	}
	if err := w.advance(ctx, issue, models.PlannedIssueStatus); err != nil {
		return "", err
	}
	return "Created plan and moved to PLANNED", nil
}

func (w *Worker) handlePlanned(ctx context.Context, issue collab.Issue) (string, error) {
	comments, err := w.tracker.Comments(ctx, issue.Key)
	if err != nil {
		return "", errors.Wrap(err, "read comments")
	}
	feedback := userCommentsSince(comments, autoPrefix)
	if len(feedback) > 0 {
		return fmt.Sprintf("Waiting for plan confirmation, %d feedback comments (latest by %s)",
			len(feedback), feedback[len(feedback)-1].Author), nil
	}
	return "Waiting for plan confirmation", nil
}

func (w *Worker) handleConfirmed(ctx context.Context, issue collab.Issue) (string, error) {
	branch := BranchName(issue.Key, issue.Summary)
	if w.scm != nil {
		if err := w.scm.CreateBranch(ctx, branch); err != nil {
			return "", errors.Wrapf(err, "create branch %s", branch)
		}
	}
	comment := fmt.Sprintf("[Work Started]\nStarting implementation for: %s\nBranch: %s", issue.Summary, branch)
	if err := w.tracker.AddComment(ctx, issue.Key, comment); err != nil {
		return "", errors.Wrap(err, "add start comment")
	}
	if err := w.advance(ctx, issue, models.InProgressIssueStatus); err != nil {
		return "", err
	}
	return "Started work on " + branch, nil
}

// handleInProgress asks a human for a decision when a user comment since the
// last request mentions a blocker. The marker comment keeps the next poll
// from asking again.
func (w *Worker) handleInProgress(ctx context.Context, issue collab.Issue) (string, error) {
	comments, err := w.tracker.Comments(ctx, issue.Key)
	if err != nil {
		return "", errors.Wrap(err, "read comments")
	}
	blocker, ok := findBlocker(userCommentsSince(comments, blockerPrefix))
	if !ok {
		return "Work in progress", nil
	}
	question := truncate(blocker.Body, 200)
	if w.notifier != nil && w.hook != nil {
		msg := w.hook.Decision(models.Workflow{WorkflowID: issue.Key, Title: issue.Summary, Status: models.InProgressIssueStatus}, question)
		if _, err := w.notifier.Send(ctx, msg.Channel, msg.Text); err != nil {
			return "", errors.Wrap(err, "request decision")
		}
	}
	if err := w.tracker.AddComment(ctx, issue.Key, blockerPrefix+" Decision requested: "+question); err != nil {
		return "", errors.Wrap(err, "mark blocker")
	}
	return "Blocker detected, decision requested", nil
}

func (w *Worker) handleReview(ctx context.Context, issue collab.Issue) (string, error) {
	comments, err := w.tracker.Comments(ctx, issue.Key)
	if err != nil {
		return "", errors.Wrap(err, "read comments")
	}
	summary := implementationSummary(comments)

	var pr string
	if w.scm != nil {
		number, err := w.scm.CreatePR(ctx, w.baseBranch, issue.Key+": "+issue.Summary, summary)
		if err != nil {
			return "", errors.Wrap(err, "open pull request")
		}
		pr = fmt.Sprintf("\nPull request: #%d", number)
	}
	comment := "[Code Review]\nImplementation summary:\n" + summary + pr + "\n\nReview checklist:\n" +
		"- [ ] Code follows project conventions\n" +
		"- [ ] No hardcoded values or secrets\n" +
		"- [ ] Error handling is appropriate\n" +
		"- [ ] Changes are documented"
	if err := w.tracker.AddComment(ctx, issue.Key, comment); err != nil {
		return "", errors.Wrap(err, "add review comment")
	}
	if err := w.advance(ctx, issue, models.TestingIssueStatus); err != nil {
		return "", err
	}
	return "Review summary posted, moved to TESTING", nil
}

// handleTesting runs the suite. After a failure it waits for a user comment
// before running again.
func (w *Worker) handleTesting(ctx context.Context, issue collab.Issue) (string, error) {
	if w.runner == nil {
		return "No test runner configured, waiting for manual transition", nil
	}
	comments, err := w.tracker.Comments(ctx, issue.Key)
	if err != nil {
		return "", errors.Wrap(err, "read comments")
	}
	if lastFailed(comments) {
		return "Tests failed, waiting for a fix", nil
	}

	outcome, err := w.runner.Run(ctx, w.environment, w.suite)
	if err != nil {
		return "", errors.Wrap(err, "run tests")
	}
	output := truncate(outcome.Output, 2000)
	if !outcome.Passed {
		comment := fmt.Sprintf("%s Suite %s failed in %s after %s.\n%s", testsFailedPrefix, w.suite, w.environment, outcome.Duration.Round(time.Second), output)
		if err := w.tracker.AddComment(ctx, issue.Key, comment); err != nil {
			return "", errors.Wrap(err, "report test failure")
		}
		return "Tests failed", nil
	}
	comment := fmt.Sprintf("[Tests Passed] Suite %s passed in %s after %s. Ready for manual testing.", w.suite, w.environment, outcome.Duration.Round(time.Second))
	if err := w.tracker.AddComment(ctx, issue.Key, comment); err != nil {
		return "", errors.Wrap(err, "report test result")
	}
	if err := w.advance(ctx, issue, models.ManualTestingIssueStatus); err != nil {
		return "", err
	}
	return "Tests passed, moved to MANUAL TESTING", nil
}

func lastFailed(comments []collab.Comment) bool {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if strings.HasPrefix(c.Body, testsFailedPrefix) {
			return true
		}
		if !isAutomation(c) {
			return false
		}
	}
	return false
}

func (w *Worker) handleDocumentation(ctx context.Context, issue collab.Issue) (string, error) {
	if err := w.tracker.AddComment(ctx, issue.Key, documentationComment(issue)); err != nil {
		return "", errors.Wrap(err, "add documentation")
	}
	if err := w.advance(ctx, issue, models.DoneIssueStatus); err != nil {
		return "", err
	}
	return "Documentation posted, moved to DONE", nil
}

var (
	branchUnsafe = regexp.MustCompile(`[^a-z0-9\s-]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// BranchName returns feature/<KEY>-<slug> with a slug of at most 40
// characters cut at a word boundary.
func BranchName(key, summary string) string {
	slug := branchUnsafe.ReplaceAllString(strings.ToLower(summary), "")
	slug = whitespace.ReplaceAllString(strings.TrimSpace(slug), "-")
	if len(slug) > 40 {
		slug = slug[:40]
		if i := strings.LastIndex(slug, "-"); i > 0 {
			slug = slug[:i]
		}
	}
	if slug == "" {
		return "feature/" + key
	}
	return "feature/" + key + "-" + slug
}

func planComment(issue collab.Issue) string {
	var kind, steps string
	switch strings.ToLower(issue.IssueType) {
	case "bug":
		kind = "Bug Fix"
		steps = "1. Reproduce the bug\n2. Identify root cause\n3. Implement fix\n4. Write regression test\n5. Verify fix"
	case "story":
		kind = "User Story"
		steps = "1. Clarify acceptance criteria\n2. Design the change\n3. Implement\n4. Write tests\n5. Document"
	default:
		kind = "Task"
		steps = "1. Analyze requirements\n2. Implement\n3. Test\n4. Document"
	}
	description := issue.Description
	if description == "" {
		description = "(no description)"
	}
	return fmt.Sprintf("%sPlan: %s]\nIssue: %s\n\nAnalysis:\n%s\n\nPlan:\n%s\n\n"+
		"Review this plan and move the issue to %q when ready.",
		autoPrefix, kind, issue.Summary, description, steps, models.PlannedConfirmedIssueStatus)
}

func implementationSummary(comments []collab.Comment) string {
	var notes []string
	for _, c := range comments {
		if isAutomation(c) {
			continue
		}
		body := strings.ToLower(c.Body)
		for _, kw := range implementationKeywords {
			if strings.Contains(body, kw) {
				notes = append(notes, "- "+truncate(c.Body, 200))
				break
			}
		}
	}
	if len(notes) == 0 {
		return "Implementation completed. See commit history for details."
	}
	if len(notes) > 3 {
		notes = notes[len(notes)-3:]
	}
	return strings.Join(notes, "\n")
}

func documentationComment(issue collab.Issue) string {
	kind := issue.IssueType
	if kind == "" {
		kind = "Task"
	}
	return fmt.Sprintf("[Documentation Complete]\n%s: %s\n- Issue: %s\n- Type: %s\n\n"+
		"- [x] Implementation summarized\n- [x] Changes documented\n- [x] Issue complete",
		kind, issue.Summary, issue.Key, kind)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
