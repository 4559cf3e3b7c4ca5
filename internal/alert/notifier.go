package alert

import (
	"context"
	"fmt"
	"strconv"

	"oms/internal/core"
)

// Notifier watches the live event feed and raises alerts for the event types
// an operator should see without tailing the outbox.
type Notifier struct {
	manager *Manager
	logger  core.ILogger
}

// NewNotifier wires a notifier to a manager.
func NewNotifier(manager *Manager, logger core.ILogger) *Notifier {
	return &Notifier{
		manager: manager,
		logger:  logger.WithField("component", "alert_notifier"),
	}
}

// Watch consumes events until the context ends or the feed closes.
func (n *Notifier) Watch(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev core.Event) {
	fields := map[string]string{
		"account_id": strconv.FormatInt(ev.AccountID, 10),
		"event_id":   strconv.FormatInt(ev.ID, 10),
		"payload":    ev.Payload,
	}

	switch ev.EventType {
	case "command_failed":
		n.manager.Alert(ctx, "Command deadlettered",
			fmt.Sprintf("A queued command on account %d exhausted its retries.", ev.AccountID),
			Error, fields)
	case "account_status_changed":
		n.manager.Alert(ctx, "Account status changed",
			fmt.Sprintf("Account %d status was changed by risk control.", ev.AccountID),
			Warning, fields)
	case "allow_new_positions_changed":
		n.manager.Alert(ctx, "Position opening toggled",
			fmt.Sprintf("allow_new_positions changed on account %d.", ev.AccountID),
			Warning, fields)
	case "order_change_replace_failed":
		n.manager.Alert(ctx, "Change-replace left a gap",
			fmt.Sprintf("An edit fallback on account %d canceled without re-placing.", ev.AccountID),
			Critical, fields)
	}
}
