// Package service connects the engine to the infrastructure around it:
// journal persistence, live fan-out, position history, and cached reads.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forecastex/marketd/internal/domain"
)

// EventsChannel is the live pub/sub channel for a market's journal events.
func EventsChannel(marketID string) string {
	return "market:" + marketID + ":events"
}

// sinkTimeout bounds each downstream write. Emit runs after the engine has
// committed, so a slow store must not hold the request open indefinitely.
const sinkTimeout = 5 * time.Second

// FanoutSink implements domain.EventSink: every committed engine event is
// journaled to Postgres, published on the signal bus, folded into the
// position-history table, and used to invalidate the cached market state.
//
// All downstream failures are logged, never propagated. The engine state has
// already committed by the time Emit runs; the journal store is idempotent on
// (market, sequence), so a missed write is repaired by the snapshot-replay
// path on restart rather than by failing the request.
type FanoutSink struct {
	events  domain.EventStore
	history domain.PositionHistoryStore
	bus     domain.SignalBus
	cache   domain.StateCache
	logger  *slog.Logger
}

// NewFanoutSink creates a FanoutSink. history, bus, and cache may each be nil
// when that concern is not deployed (the keeper mode journals only).
func NewFanoutSink(
	events domain.EventStore,
	history domain.PositionHistoryStore,
	bus domain.SignalBus,
	cache domain.StateCache,
	logger *slog.Logger,
) *FanoutSink {
	return &FanoutSink{
		events:  events,
		history: history,
		bus:     bus,
		cache:   cache,
		logger:  logger.With(slog.String("component", "fanout_sink")),
	}
}

// Emit fans one committed event out to every downstream. The parent context's
// cancellation is deliberately dropped: the event exists, abandoning the
// request must not lose it.
func (s *FanoutSink) Emit(ctx context.Context, evt domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if err := s.events.Append(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "journal append failed",
			slog.String("market_id", evt.MarketID),
			slog.Uint64("sequence", evt.Sequence),
			slog.String("error", err.Error()),
		)
	}

	s.recordHistory(ctx, evt)

	if s.bus != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			err = s.bus.Publish(ctx, EventsChannel(evt.MarketID), payload)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "event publish failed",
				slog.String("market_id", evt.MarketID),
				slog.Uint64("sequence", evt.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, evt.MarketID); err != nil {
			s.logger.WarnContext(ctx, "state cache invalidate failed",
				slog.String("market_id", evt.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recordHistory folds position lifecycle events into the history table.
func (s *FanoutSink) recordHistory(ctx context.Context, evt domain.Event) {
	if s.history == nil {
		return
	}

	var err error
	switch evt.Type {
	case domain.EventPositionOpened:
		err = s.history.Insert(ctx, domain.PositionRecord{
			MarketID:   evt.MarketID,
			Trader:     evt.Data["trader"],
			Side:       domain.Side(evt.Data["side"]),
			Collateral: evt.Data["collateral"],
			Loan:       evt.Data["loan"],
			Shares:     evt.Data["shares"],
			EntryPrice: evt.Data["entry_price"],
			OpenedAt:   evt.At,
		})
	case domain.EventPositionClosed:
		err = s.history.MarkClosed(ctx, evt.MarketID, evt.Data["trader"],
			domain.Side(evt.Data["side"]), "closed", evt.Data["payout"], evt.At)
	case domain.EventPositionLiquidated:
		err = s.history.MarkClosed(ctx, evt.MarketID, evt.Data["trader"],
			domain.Side(evt.Data["side"]), "liquidated", evt.Data["refund"], evt.At)
	case domain.EventClaim:
		if evt.Data["phase"] != "2" {
			return
		}
		outcome := "claimed"
		if evt.Data["recipient"] != evt.Data["trader"] {
			outcome = "swept"
		}
		err = s.history.MarkClosed(ctx, evt.MarketID, evt.Data["trader"],
			domain.Side(evt.Data["side"]), outcome, evt.Data["payout"], evt.At)
	default:
		return
	}

	if err != nil {
		s.logger.WarnContext(ctx, "position history update failed",
			slog.String("market_id", evt.MarketID),
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ domain.EventSink = (*FanoutSink)(nil)
