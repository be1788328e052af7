package handler

import (
	"log/slog"
	"math/big"
	"net/http"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
	"github.com/forecastex/marketd/internal/service"
)

// MarketHandler serves the market read model and the signed trading
// endpoints that operate on the whole market.
type MarketHandler struct {
	market *engine.Market
	reader *service.MarketReader
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(market *engine.Market, reader *service.MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		market: market,
		reader: reader,
		logger: logger,
	}
}

// GetState returns the current market view.
// GET /api/market
func (h *MarketHandler) GetState(w http.ResponseWriter, r *http.Request) {
	data, err := h.reader.StateJSON(r.Context())
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// quoteResponse is the preview of a bonding-curve buy.
type quoteResponse struct {
	Amount  string `json:"amount"`
	RawCost string `json:"raw_cost"`
	Fee     string `json:"fee"`
	Total   string `json:"total"`
}

// GetQuote previews the cost of buying `amount` curve shares at the current
// supply, without threshold capping.
// GET /api/market/quote?amount=N
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	rawCost, fee := h.market.QuoteBuy(amount)
	writeJSON(w, http.StatusOK, quoteResponse{
		Amount:  amount.String(),
		RawCost: rawCost.String(),
		Fee:     fee.String(),
		Total:   new(big.Int).Add(rawCost, fee).String(),
	})
}

// buyResponse reports the executed fill of a bonding-curve buy.
type buyResponse struct {
	Shares   string `json:"shares"`
	RawCost  string `json:"raw_cost"`
	Fee      string `json:"fee"`
	Migrated bool   `json:"migrated"`
}

// Buy executes a signed Phase-1 bonding-curve purchase.
// POST /api/market/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	res, err := h.market.BuyShares(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buyResponse{
		Shares:   res.Shares.String(),
		RawCost:  res.RawCost.String(),
		Fee:      res.Fee.String(),
		Migrated: res.Migrated,
	})
}

// Resolve settles the market on the authority's signature.
// POST /api/market/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	if err := h.market.Resolve(r.Context(), sa); err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}

	state := h.market.State()
	writeJSON(w, http.StatusOK, map[string]string{
		"winning_outcome":  string(state.WinningOutcome),
		"settlement_price": state.SettlementPrice.String(),
	})
}

// RotateAuthority installs a new co-signing authority.
// POST /api/market/authority
func (h *MarketHandler) RotateAuthority(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	if err := h.market.RotateAuthority(r.Context(), sa); err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"authority": h.market.Authority(),
	})
}

// GetNonce returns the next expected nonce for an address, which clients
// embed in their next signed request.
// GET /api/nonce/{address}
func (h *MarketHandler) GetNonce(w http.ResponseWriter, r *http.Request) {
	addr := pathParam(r, "address")
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"nonce":   h.market.NonceOf(addr),
	})
}
