// Package notify decides which chat notification a workflow transition
// produces and renders its text. Delivery is left to a collab.Notifier.
package notify

import (
	"fmt"
	"strings"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

// Event is a transition that has just been applied.
type Event struct {
	Workflow    models.Workflow // state after the transition
	From        models.WorkflowStatus
	To          models.WorkflowStatus
	TasksTotal  int
	TasksDone   int
	TestsTotal  int
	TestsPassed int
	Error       string
}

// Message is a rendered notification ready to be sent.
type Message struct {
	Type    models.NotificationType
	Channel string
	Text    string
}

// Hook maps transitions to notifications using the designated statuses of a
// status graph, so the same rules serve every graph.
type Hook struct {
	graph    *statusgraph.Graph[models.WorkflowStatus]
	channel  string
	progress bool
}

type Option func(*Hook)

// WithChannel sets the delivery channel of every message.
func WithChannel(channel string) Option {
	return func(h *Hook) {
		if channel != "" {
			h.channel = channel
		}
	}
}

// WithProgress enables or disables progress messages for ordinary
// transitions.
func WithProgress(enabled bool) Option {
	return func(h *Hook) { h.progress = enabled }
}

func NewHook(graph *statusgraph.Graph[models.WorkflowStatus], opts ...Option) *Hook {
	h := &Hook{graph: graph, channel: models.DefaultChannel, progress: true}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Classify returns the notification type a transition into e.To triggers.
// The rules are checked in order: start status, completed status, failure
// status, status that only a human can leave, anything else.
func (h *Hook) Classify(e Event) (models.NotificationType, bool) {
	switch {
	case e.To == h.graph.Start:
		return models.StartNotification, true
	case h.graph.IsCompleted(e.To):
		return models.EndNotification, true
	case h.graph.IsFailure(e.To):
		return models.ErrorNotification, true
	case h.graph.AwaitsHuman(e.To):
		return models.DecisionNotification, true
	case h.progress:
		return models.ProgressNotification, true
	}
	return "", false
}

// Decide returns the message for a transition, or false when the
// transition is silent.
func (h *Hook) Decide(e Event) (Message, bool) {
	typ, ok := h.Classify(e)
	if !ok {
		return Message{}, false
	}
	var text string
	switch typ {
	case models.StartNotification:
		text = startText(e)
	case models.EndNotification:
		text = endText(e)
	case models.ErrorNotification:
		text = errorText(e)
	case models.DecisionNotification:
		text = decisionText(e.Workflow, awaitingQuestion(e.To, h.graph.Targets(e.To)))
	default:
		text = progressText(e)
	}
	return Message{Type: typ, Channel: h.channel, Text: text}, true
}

// Decision builds an explicit decision request.
func (h *Hook) Decision(wf models.Workflow, question string) Message {
	return Message{Type: models.DecisionNotification, Channel: h.channel, Text: decisionText(wf, question)}
}

func awaitingQuestion(status models.WorkflowStatus, targets []models.WorkflowStatus) string {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, string(t))
	}
	return fmt.Sprintf("%s needs confirmation: %s?", status, strings.Join(names, " or "))
}

func startText(e Event) string {
	wf := e.Workflow
	return fmt.Sprintf("🚀 *Workflow started*\n\n"+
		"*Project:* %s\n"+
		"*Task:* %s\n"+
		"*ID:* `%s`\n"+
		"*Status:* %s",
		escape(wf.Project), escape(wf.Title), wf.WorkflowID, e.To)
}

func endText(e Event) string {
	wf := e.Workflow
	duration := "?"
	if wf.StartedAt != nil && wf.CompletedAt != nil {
		duration = fmt.Sprintf("%.0f", wf.CompletedAt.Sub(*wf.StartedAt).Minutes())
	}
	tests := "?/?"
	if e.TestsTotal > 0 {
		tests = fmt.Sprintf("%d/%d", e.TestsPassed, e.TestsTotal)
	}
	return fmt.Sprintf("✅ *Workflow completed*\n\n"+
		"*Project:* %s\n"+
		"*Task:* %s\n"+
		"*ID:* `%s`\n"+
		"*Duration:* %s min\n"+
		"*Tests:* %s passed",
		escape(wf.Project), escape(wf.Title), wf.WorkflowID, duration, tests)
}

func errorText(e Event) string {
	wf := e.Workflow
	msg := e.Error
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("❌ *Error*\n\n"+
		"*Project:* %s\n"+
		"*Task:* %s\n"+
		"*ID:* `%s`\n"+
		"*Phase:* %s\n"+
		"*Error:* `%s`",
		escape(wf.Project), escape(wf.Title), wf.WorkflowID, e.From, strings.ReplaceAll(msg, "`", "'"))
}

func decisionText(wf models.Workflow, question string) string {
	return fmt.Sprintf("❓ *Decision required*\n\n"+
		"*Workflow:* %s\n"+
		"*ID:* `%s`\n"+
		"*Question:* %s",
		escape(wf.Title), wf.WorkflowID, escape(question))
}

func progressText(e Event) string {
	wf := e.Workflow
	text := fmt.Sprintf("🔄 *Workflow update*\n\n"+
		"*Task:* %s\n"+
		"*ID:* `%s`\n"+
		"*Status:* %s → %s",
		escape(wf.Title), wf.WorkflowID, e.From, e.To)
	if e.TasksTotal > 0 {
		text += fmt.Sprintf("\n*Progress:* %d/%d tasks", e.TasksDone, e.TasksTotal)
	}
	return text
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escape protects free text against Telegram's legacy Markdown parser.
func escape(s string) string {
	return markdownEscaper.Replace(s)
}
