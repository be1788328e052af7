package domain

import "errors"

// Lifecycle violations.
var (
	ErrAlreadyInitialized = errors.New("market already initialized")
	ErrMarketMigrated     = errors.New("market already migrated")
	ErrMarketResolved     = errors.New("market already resolved")
	ErrMarketNotResolved  = errors.New("market not resolved")
	ErrPhase2NotActive    = errors.New("phase 2 not active")
	ErrPositionExists     = errors.New("active position already exists")
	ErrNoActivePosition   = errors.New("no active position")
)

// Input validation.
var (
	ErrInvalidSide         = errors.New("invalid outcome side")
	ErrCollateralTooSmall  = errors.New("collateral below minimum")
	ErrLeverageOutOfBounds = errors.New("leverage out of bounds")
	ErrLengthMismatch      = errors.New("mismatched array lengths")
	ErrZeroShares          = errors.New("zero shares minted")
	ErrZeroProceeds        = errors.New("zero proceeds returned")
	ErrZeroAmount          = errors.New("zero amount")
)

// Guard violations.
var (
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDeadlineExpired  = errors.New("signature deadline expired")
	ErrBadNonce         = errors.New("unexpected nonce")
	ErrCooloffActive    = errors.New("claim cool-off period not elapsed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPositionHealthy  = errors.New("position healthy")
	ErrReentrantCall    = errors.New("reentrant call")
	ErrLosingSide       = errors.New("claim on losing side")
	ErrNothingToClaim   = errors.New("nothing to claim")
)

// Solvency and collaborator failures.
var (
	ErrInsuranceInsolvent  = errors.New("insurance fund cannot cover shortfall")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUtilizationExceeded = errors.New("lending pool utilization cap exceeded")
	ErrMigrationPullUsed   = errors.New("migration capital pull already used")
)

// Infrastructure.
var (
	ErrLockHeld    = errors.New("lock already held")
	ErrContextDone = errors.New("context cancelled")
	ErrNotFound    = errors.New("not found")
)
