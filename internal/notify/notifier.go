// Package notify fans operator alerts out to one or more delivery channels
// (Telegram, Discord). Alerts can be filtered by journal event type so
// operators receive only the transitions they care about, typically
// liquidations, resolution, and sweeps.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forecastex/marketd/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to all registered Senders. NotifyEvent applies
// the configured event-type filter; Alert bypasses it.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only journal
// events whose type appears in events pass NotifyEvent; an empty list lets
// everything through.
func NewNotifier(senders []Sender, events []domain.EventType, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[e] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyEvent sends an alert for a journal event type, subject to the
// configured filter.
func (n *Notifier) NotifyEvent(ctx context.Context, event domain.EventType, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(event)),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// Alert sends to all senders regardless of the event filter. It satisfies the
// keeper's Alerter interface.
func (n *Notifier) Alert(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender, collecting failures so one bad channel
// does not block the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "alert sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
