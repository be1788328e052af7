// Package keeper runs the liquidation keeper: a background loop that scans
// active leveraged positions, collects the unhealthy ones, and submits an
// authority-signed bulk liquidation. A distributed lock keeps concurrent
// keeper replicas from racing each other on the same market.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/forecastex/marketd/internal/crypto"
	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
	"github.com/forecastex/marketd/internal/marketmath"
)

// Alerter pushes operator-facing notifications about keeper actions.
type Alerter interface {
	Alert(ctx context.Context, title, body string) error
}

// Keeper periodically liquidates unhealthy positions on one market.
type Keeper struct {
	market    *engine.Market
	signer    *crypto.Signer
	authority *crypto.Signer
	locks     domain.LockManager
	alerter   Alerter
	interval  time.Duration
	clock     domain.Clock
	logger    *slog.Logger
}

// Config bundles the keeper's collaborators.
type Config struct {
	Market    *engine.Market
	Signer    *crypto.Signer
	Authority *crypto.Signer
	Locks     domain.LockManager
	Alerter   Alerter
	Interval  time.Duration
	Clock     domain.Clock
	Logger    *slog.Logger
}

// New creates a Keeper. Interval defaults to 15s.
func New(cfg Config) *Keeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Keeper{
		market:    cfg.Market,
		signer:    cfg.Signer,
		authority: cfg.Authority,
		locks:     cfg.Locks,
		alerter:   cfg.Alerter,
		interval:  interval,
		clock:     clock,
		logger:    cfg.Logger.With(slog.String("component", "keeper")),
	}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper started", slog.Duration("interval", k.interval))
	defer k.logger.Info("keeper stopped")

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.RunOnce(ctx); err != nil {
				k.logger.Warn("keeper sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a single liquidation sweep under the distributed lock.
// A lock held by another replica is not an error, just a skipped turn.
func (k *Keeper) RunOnce(ctx context.Context) error {
	marketID := k.market.Params().MarketID
	release, err := k.locks.Acquire(ctx, "keeper:"+marketID, 2*k.interval)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.Debug("sweep skipped, lock held elsewhere")
			return nil
		}
		return fmt.Errorf("keeper: acquire lock: %w", err)
	}
	defer release()

	traders, sides := k.scanUnhealthy()
	if len(traders) == 0 {
		return nil
	}
	k.logger.Info("unhealthy positions found", slog.Int("count", len(traders)))

	sa, err := k.signBulk(traders, sides)
	if err != nil {
		return err
	}
	count, err := k.market.BulkLiquidate(ctx, sa)
	if err != nil {
		if errors.Is(err, domain.ErrReentrantCall) {
			// Another operation is in flight; the positions will still
			// be there next tick.
			k.logger.Debug("engine busy, retrying next sweep")
			return nil
		}
		return fmt.Errorf("keeper: bulk liquidate: %w", err)
	}

	k.logger.Info("bulk liquidation executed",
		slog.Int("submitted", len(traders)),
		slog.Int("liquidated", count),
	)
	if count > 0 && k.alerter != nil {
		body := fmt.Sprintf("market %s: liquidated %d of %d submitted positions", marketID, count, len(traders))
		if err := k.alerter.Alert(ctx, "liquidations executed", body); err != nil {
			k.logger.Warn("alert delivery failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// scanUnhealthy returns the (trader, side) pairs whose health factor is
// below par. Zero-loan positions never qualify.
func (k *Keeper) scanUnhealthy() ([]string, []domain.Side) {
	var traders []string
	var sides []domain.Side
	par := big.NewInt(marketmath.BPS)

	for _, pos := range k.market.ActivePositions() {
		hf, hasDebt := k.market.HealthFactorOf(pos.Trader, pos.Side)
		if !hasDebt || hf.Cmp(par) >= 0 {
			continue
		}
		traders = append(traders, pos.Trader)
		sides = append(sides, pos.Side)
		k.logger.Debug("liquidation candidate",
			slog.String("trader", pos.Trader),
			slog.String("side", string(pos.Side)),
			slog.String("health_factor", hf.String()),
		)
	}
	return traders, sides
}

// signBulk builds the dual-signed bulk-liquidation action at the keeper's
// current nonce with a short deadline.
func (k *Keeper) signBulk(traders []string, sides []domain.Side) (domain.SignedAction, error) {
	payload, err := json.Marshal(engine.BulkLiquidateParams{Traders: traders, Sides: sides})
	if err != nil {
		return domain.SignedAction{}, fmt.Errorf("keeper: encode payload: %w", err)
	}

	req := domain.ActionRequest{
		MarketID:  k.market.Params().MarketID,
		Action:    domain.ActionBulkLiquidate,
		Initiator: k.signer.Address(),
		Nonce:     k.market.NonceOf(k.signer.Address()),
		Deadline:  k.clock().Add(time.Minute).Unix(),
		Payload:   payload,
	}
	initSig, err := k.signer.SignAction(req)
	if err != nil {
		return domain.SignedAction{}, fmt.Errorf("keeper: sign: %w", err)
	}
	authSig, err := k.authority.SignAction(req)
	if err != nil {
		return domain.SignedAction{}, fmt.Errorf("keeper: authority sign: %w", err)
	}
	return domain.SignedAction{Request: req, InitiatorSig: initSig, AuthoritySig: authSig}, nil
}
