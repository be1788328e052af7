package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
)

// PositionHandler serves the leveraged-position endpoints.
type PositionHandler struct {
	market  *engine.Market
	history domain.PositionHistoryStore
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil when no
// database is deployed; the history endpoint then returns 404.
func NewPositionHandler(market *engine.Market, history domain.PositionHistoryStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		market:  market,
		history: history,
		logger:  logger,
	}
}

// positionView is the public shape of an active position.
type positionView struct {
	Trader     string `json:"trader"`
	Side       string `json:"side"`
	Collateral string `json:"collateral"`
	Loan       string `json:"loan"`
	Shares     string `json:"shares"`
	EntryPrice string `json:"entry_price"`
	OpenedAt   string `json:"opened_at"`
}

func toPositionView(p *domain.Position) positionView {
	return positionView{
		Trader:     p.Trader,
		Side:       string(p.Side),
		Collateral: p.Collateral.String(),
		Loan:       p.Loan.String(),
		Shares:     p.Shares.String(),
		EntryPrice: p.EntryPrice.String(),
		OpenedAt:   p.OpenedAt.UTC().Format(time.RFC3339),
	}
}

// Open opens a signed leveraged position.
// POST /api/positions/open
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	pos, err := h.market.OpenPosition(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}

// Close closes a signed position and reports the settlement.
// POST /api/positions/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	payout, pnl, err := h.market.ClosePosition(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payout": payout.String(),
		"pnl":    pnl.String(),
	})
}

// List returns all active positions.
// GET /api/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	positions := h.market.ActivePositions()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}

// Health reports the health factor of one position.
// GET /api/positions/{trader}/{side}/health
func (h *PositionHandler) Health(w http.ResponseWriter, r *http.Request) {
	trader := pathParam(r, "trader")
	side := domain.Side(pathParam(r, "side"))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, "invalid outcome side")
		return
	}

	pos, exists := h.market.PositionOf(trader, side)
	if !exists || !pos.Active {
		writeError(w, http.StatusNotFound, "no active position")
		return
	}

	body := map[string]any{
		"trader": trader,
		"side":   string(side),
	}
	if hf, ok := h.market.HealthFactorOf(trader, side); ok {
		body["health_factor"] = hf.String()
	} else {
		// Zero debt: the position can never be liquidated.
		body["health_factor"] = nil
	}
	writeJSON(w, http.StatusOK, body)
}

// History lists a trader's position lifecycle records, newest first.
// GET /api/positions/{trader}/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "position history not available")
		return
	}
	trader := pathParam(r, "trader")

	records, err := h.history.ListByTrader(r.Context(), h.market.Params().MarketID, trader, parseListOpts(r))
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	if records == nil {
		records = []domain.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// liquidateRequest names the position a liquidator wants to seize.
type liquidateRequest struct {
	Caller string `json:"caller"`
	Trader string `json:"trader"`
	Side   string `json:"side"`
}

// Liquidate seizes one underwater position. Liquidation is permissionless;
// the caller only identifies who receives the reward.
// POST /api/positions/liquidate
func (h *PositionHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	side := domain.Side(req.Side)
	if req.Caller == "" || req.Trader == "" || !side.Valid() {
		writeError(w, http.StatusBadRequest, "caller, trader, and a valid side are required")
		return
	}

	if err := h.market.Liquidate(r.Context(), req.Caller, req.Trader, side); err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "liquidated"})
}

// BulkLiquidate seizes a batch of positions on the authority's signature.
// POST /api/positions/liquidate/bulk
func (h *PositionHandler) BulkLiquidate(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	count, err := h.market.BulkLiquidate(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"liquidated": count})
}
