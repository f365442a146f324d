package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// NotificationService turns transitions into chat messages and keeps a
// record of every delivery attempt. Delivery failures are logged and never
// propagate to the transition that caused them.
type NotificationService struct {
	store    storage.Store
	notifier collab.Notifier
	hook     *notify.Hook
	logger   Logger
	now      func() time.Time
}

func NewNotificationService(store storage.Store, notifier collab.Notifier, hook *notify.Hook, logger Logger) *NotificationService {
	return &NotificationService{
		store:    store,
		notifier: notifier,
		hook:     hook,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnTransition sends the message the hook picks for an applied transition.
func (ns *NotificationService) OnTransition(ctx context.Context, event notify.Event) {
	msg, ok := ns.hook.Decide(event)
	if !ok {
		return
	}
	if _, err := ns.deliver(ctx, event.Workflow.WorkflowID, msg); err != nil {
		ns.logger.Errorf("Failed to record %s notification for %s: %v", msg.Type, event.Workflow.WorkflowID, err)
	}
}

// RequestDecision asks a human a question about a workflow.
func (ns *NotificationService) RequestDecision(ctx context.Context, workflowKey, question string) (models.Notification, error) {
	if question == "" {
		return models.Notification{}, errors.Wrap(ErrInvalidInput, "question is required")
	}
	wf, err := ns.store.GetWorkflow(ctx, workflowKey)
	if err != nil {
		return models.Notification{}, err
	}
	return ns.deliver(ctx, workflowKey, ns.hook.Decision(wf, question))
}

// deliver sends msg and appends a notification row with the outcome. Only a
// failure to store the row is returned.
func (ns *NotificationService) deliver(ctx context.Context, workflowKey string, msg notify.Message) (models.Notification, error) {
	delivered, err := ns.send(ctx, msg.Channel, msg.Text)
	if err != nil {
		ns.logger.Warnf("Notification %s for %s not delivered: %v", msg.Type, workflowKey, err)
		delivered = false
	}
	recordNotification(ctx, msg.Type, delivered)

	n := models.Notification{
		WorkflowID: workflowKey,
		Type:       msg.Type,
		Channel:    msg.Channel,
		Message:    msg.Text,
		SentAt:     ns.now(),
		Delivered:  delivered,
	}
	id, err := ns.store.SaveNotification(ctx, n)
	if err != nil {
		return models.Notification{}, errors.Wrapf(err, "failed to save notification for %s", workflowKey)
	}
	n.ID = id
	return n, nil
}

func (ns *NotificationService) send(ctx context.Context, channel, text string) (bool, error) {
	if ns.notifier == nil {
		return false, errors.New("no notifier configured")
	}
	return ns.notifier.Send(ctx, channel, text)
}

// List returns every notification of a workflow in the order sent.
func (ns *NotificationService) List(ctx context.Context, workflowKey string) ([]models.Notification, error) {
	if _, err := ns.store.GetWorkflow(ctx, workflowKey); err != nil {
		return nil, err
	}
	return ns.store.ListNotifications(ctx, workflowKey)
}

// Retry resends an undelivered notification. A failed resend is returned as
// collab.ErrCollaboratorUnavailable since the caller explicitly asked for it.
func (ns *NotificationService) Retry(ctx context.Context, id int64) (models.Notification, error) {
	n, err := ns.store.GetNotification(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	if n.Delivered {
		return n, nil
	}
	delivered, err := ns.send(ctx, n.Channel, n.Message)
	if err == nil && !delivered {
		err = errors.New("message rejected")
	}
	recordNotification(ctx, n.Type, err == nil)
	if err != nil {
		ns.logger.Warnf("Retry of notification %d failed: %v", id, err)
		return n, collab.Unavailable(n.Channel, err)
	}
	if err := ns.store.MarkNotificationDelivered(ctx, id); err != nil {
		return n, errors.Wrapf(err, "failed to mark notification %d delivered", id)
	}
	n.Delivered = true
	return n, nil
}

// RetryUndelivered resends every undelivered notification of a workflow and
// returns how many went through.
func (ns *NotificationService) RetryUndelivered(ctx context.Context, workflowKey string) (int, error) {
	list, err := ns.List(ctx, workflowKey)
	if err != nil {
		return 0, err
	}
	sent := 0
	var lastErr error
	for _, n := range list {
		if n.Delivered {
			continue
		}
		if _, err := ns.Retry(ctx, n.ID); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	return sent, lastErr
}
