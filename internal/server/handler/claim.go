package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
)

// ClaimHandler serves the post-resolution settlement endpoints.
type ClaimHandler struct {
	market *engine.Market
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(market *engine.Market, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{market: market, logger: logger}
}

// Phase1 redeems a winning outcome-token balance at the settlement price.
// POST /api/claims/phase1
func (h *ClaimHandler) Phase1(w http.ResponseWriter, r *http.Request) {
	h.claim(w, r, h.market.ClaimPhase1)
}

// Phase2 settles a winning leveraged position, authority-signed.
// POST /api/claims/phase2
func (h *ClaimHandler) Phase2(w http.ResponseWriter, r *http.Request) {
	h.claim(w, r, h.market.ClaimPhase2)
}

// Sweep force-claims a trader's dead claims into the insurance fund after the
// cool-off window.
// POST /api/claims/sweep
func (h *ClaimHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	swept, err := h.market.SweepUnclaimed(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"swept": swept.String()})
}

type claimFn = func(ctx context.Context, sa domain.SignedAction) (*big.Int, error)

func (h *ClaimHandler) claim(w http.ResponseWriter, r *http.Request, fn claimFn) {
	var sa domain.SignedAction
	if err := decodeBody(r, &sa); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed action: "+err.Error())
		return
	}

	payout, err := fn(r.Context(), sa)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payout": payout.String()})
}
