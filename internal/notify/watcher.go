package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/forecastex/marketd/internal/domain"
)

// Watcher subscribes to a market's live event channel and turns selected
// journal events into operator alerts. It runs alongside the engine in serve
// mode; delivery is best-effort, a dropped alert never blocks the engine.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher reading from bus and alerting through notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_watcher")),
	}
}

// Run consumes the channel until ctx is cancelled. Malformed payloads and
// sender failures are logged and skipped.
func (w *Watcher) Run(ctx context.Context, channel string) error {
	msgs, err := w.bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", channel, err)
	}

	w.logger.InfoContext(ctx, "event watcher started", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var evt domain.Event
			if err := json.Unmarshal(payload, &evt); err != nil {
				w.logger.WarnContext(ctx, "undecodable event payload",
					slog.String("error", err.Error()),
				)
				continue
			}
			title, body := formatEvent(evt)
			if err := w.notifier.NotifyEvent(ctx, evt.Type, title, body); err != nil {
				w.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("event", string(evt.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// formatEvent renders a journal event as an alert title and body.
func formatEvent(evt domain.Event) (title, body string) {
	switch evt.Type {
	case domain.EventPositionLiquidated:
		title = fmt.Sprintf("Liquidation on %s", evt.MarketID)
		body = fmt.Sprintf("trader %s side %s hf %s proceeds %s shortfall %s",
			evt.Data["trader"], evt.Data["side"], evt.Data["health_factor"],
			evt.Data["proceeds"], evt.Data["shortfall"])
	case domain.EventMigration:
		title = fmt.Sprintf("Market %s migrated", evt.MarketID)
		body = fmt.Sprintf("reserves %s stable / %s yes / %s no",
			evt.Data["reserve_stable"], evt.Data["reserve_yes"], evt.Data["reserve_no"])
	case domain.EventResolution:
		title = fmt.Sprintf("Market %s resolved", evt.MarketID)
		body = fmt.Sprintf("winner %s settlement price %s backing %s liabilities %s",
			evt.Data["winner"], evt.Data["settlement_price"],
			evt.Data["backing"], evt.Data["liabilities"])
	case domain.EventSweep:
		title = fmt.Sprintf("Unclaimed funds swept on %s", evt.MarketID)
		body = fmt.Sprintf("trader %s amount %s", evt.Data["trader"], evt.Data["amount"])
	default:
		title = fmt.Sprintf("%s on %s", evt.Type, evt.MarketID)
		body = fmt.Sprintf("sequence %d at %s", evt.Sequence, evt.At.Format("2006-01-02 15:04:05 MST"))
	}
	return title, body
}
