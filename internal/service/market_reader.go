package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
)

// MarketView is the public read model of a market, served by the HTTP API
// and pushed over the websocket feed. Monetary values are decimal strings.
type MarketView struct {
	MarketID string `json:"market_id"`
	Phase    string `json:"phase"`

	// Bonding curve.
	CurrentSupply      string `json:"current_supply"`
	TotalCapitalRaised string `json:"total_capital_raised"`
	MigrationThreshold string `json:"migration_threshold"`

	// Virtual AMM.
	ReserveStable string `json:"reserve_stable"`
	ReserveYes    string `json:"reserve_yes"`
	ReserveNo     string `json:"reserve_no"`
	PriceYes      string `json:"price_yes"`
	PriceNo       string `json:"price_no"`

	// Leverage aggregates.
	TotalBorrowed   string `json:"total_borrowed"`
	OpenInterestYes string `json:"open_interest_yes"`
	OpenInterestNo  string `json:"open_interest_no"`

	// Resolution.
	Resolved        bool   `json:"resolved"`
	WinningOutcome  string `json:"winning_outcome,omitempty"`
	SettlementPrice string `json:"settlement_price,omitempty"`
	ResolvedAt      string `json:"resolved_at,omitempty"`
}

// MarketReader serves read-model views of a market, going through the state
// cache so bursts of polling do not hit the engine for every request.
type MarketReader struct {
	market *engine.Market
	cache  domain.StateCache
	logger *slog.Logger
}

// NewMarketReader creates a MarketReader. cache may be nil, in which case
// every read builds a fresh view.
func NewMarketReader(market *engine.Market, cache domain.StateCache, logger *slog.Logger) *MarketReader {
	return &MarketReader{
		market: market,
		cache:  cache,
		logger: logger.With(slog.String("component", "market_reader")),
	}
}

// StateJSON returns the serialized MarketView, from cache when fresh.
func (r *MarketReader) StateJSON(ctx context.Context) ([]byte, error) {
	id := r.market.Params().MarketID

	if r.cache != nil {
		if data, err := r.cache.Get(ctx, id); err == nil {
			return data, nil
		}
	}

	data, err := json.Marshal(r.View())
	if err != nil {
		return nil, fmt.Errorf("market_reader: marshal view: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, id, data); err != nil {
			r.logger.WarnContext(ctx, "state cache set failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return data, nil
}

// View builds the current read model straight from the engine.
func (r *MarketReader) View() MarketView {
	params := r.market.Params()
	state := r.market.State()
	priceYes, priceNo := r.market.Prices()

	view := MarketView{
		MarketID:           params.MarketID,
		Phase:              string(state.Phase),
		CurrentSupply:      state.CurrentSupply.String(),
		TotalCapitalRaised: state.TotalCapitalRaised.String(),
		MigrationThreshold: params.MigrationThreshold.String(),
		ReserveStable:      state.ReserveStable.String(),
		ReserveYes:         state.ReserveYes.String(),
		ReserveNo:          state.ReserveNo.String(),
		PriceYes:           priceYes.String(),
		PriceNo:            priceNo.String(),
		TotalBorrowed:      state.TotalBorrowed.String(),
		OpenInterestYes:    state.OpenInterestYes.String(),
		OpenInterestNo:     state.OpenInterestNo.String(),
		Resolved:           state.Resolved,
	}
	if state.Resolved {
		view.WinningOutcome = string(state.WinningOutcome)
		view.SettlementPrice = state.SettlementPrice.String()
		view.ResolvedAt = state.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return view
}
