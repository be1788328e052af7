package domain

import "time"

// EventType enumerates the observable state transitions of a market.
type EventType string

const (
	EventBuyExecuted        EventType = "buy_executed"
	EventMigration          EventType = "migration"
	EventLeverageActivated  EventType = "leverage_activated"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventRebalance          EventType = "rebalance"
	EventResolution         EventType = "resolution"
	EventClaim              EventType = "claim"
	EventSweep              EventType = "sweep"
	EventAuthorityRotated   EventType = "authority_rotated"
)

// Event is a structured record of one state transition, carrying enough data
// for an off-engine indexer to reconstruct the transition. Numeric values are
// serialized as decimal strings to survive JSON round-trips without precision
// loss.
type Event struct {
	ID       string            `json:"id"`
	Sequence uint64            `json:"sequence"`
	MarketID string            `json:"market_id"`
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Data     map[string]string `json:"data"`
}
