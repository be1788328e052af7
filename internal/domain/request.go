package domain

// Action names carried inside signed requests. The name is part of the signed
// digest, so a signature for one action can never authorize another.
const (
	ActionBuyShares     = "buy_shares"
	ActionOpenPosition  = "open_position"
	ActionClosePosition = "close_position"
	ActionBulkLiquidate = "bulk_liquidate"
	ActionClaimPhase1   = "claim_phase1"
	ActionClaimPhase2   = "claim_phase2"
	ActionSweep         = "sweep_unclaimed"
	ActionResolve       = "resolve"
	ActionRotateAuth    = "rotate_authority"
)

// ActionRequest is the structured message signed off-engine. It is
// domain-bound to one market instance, carries a deadline, and the next
// expected nonce for the initiator.
type ActionRequest struct {
	MarketID  string `json:"market_id"`
	Action    string `json:"action"`
	Initiator string `json:"initiator"` // hex address
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"` // unix seconds
	Payload   []byte `json:"payload"`  // canonical JSON of the op parameters
}

// SignedAction bundles a request with its two signatures. User-initiated
// operations require both; authority-gated operations (bulk liquidation,
// sweep, resolve) require only the authority's.
type SignedAction struct {
	Request      ActionRequest `json:"request"`
	InitiatorSig []byte        `json:"initiator_sig"`
	AuthoritySig []byte        `json:"authority_sig"`
}
