package keeper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/collateral"
	"github.com/forecastex/marketd/internal/crypto"
	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
	"github.com/forecastex/marketd/internal/insurance"
	"github.com/forecastex/marketd/internal/lending"
	"github.com/forecastex/marketd/internal/marketmath"
	"github.com/forecastex/marketd/internal/token"
)

type nullSink struct{}

func (nullSink) Emit(context.Context, domain.Event) {}

type fakeLock struct {
	held     bool
	acquired int
}

func (l *fakeLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired++
	return func() {}, nil
}

type fakeAlerter struct {
	alerts []string
}

func (a *fakeAlerter) Alert(_ context.Context, _, body string) error {
	a.alerts = append(a.alerts, body)
	return nil
}

type fixture struct {
	t         *testing.T
	market    *engine.Market
	now       time.Time
	authority *crypto.Signer
	trader    *crypto.Signer
	keeperKey *crypto.Signer
}

func (f *fixture) sign(action string, initiator *crypto.Signer, payload any) domain.SignedAction {
	f.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(f.t, err)
	req := domain.ActionRequest{
		MarketID:  f.market.Params().MarketID,
		Action:    action,
		Initiator: initiator.Address(),
		Nonce:     f.market.NonceOf(initiator.Address()),
		Deadline:  f.now.Add(time.Hour).Unix(),
		Payload:   body,
	}
	initSig, err := initiator.SignAction(req)
	require.NoError(f.t, err)
	authSig, err := f.authority.SignAction(req)
	require.NoError(f.t, err)
	return domain.SignedAction{Request: req, InitiatorSig: initSig, AuthoritySig: authSig}
}

// newFixture builds a migrated market with one 5x leveraged YES position.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		t:   t,
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	var err error
	f.authority, err = crypto.NewSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	f.trader, err = crypto.NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)
	f.keeperKey, err = crypto.NewSigner("7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6")
	require.NoError(t, err)

	vault := collateral.NewVault(1, logger)
	pool := lending.NewPool(vault, 8_000, logger)
	fund := insurance.NewFund(vault, logger)

	f.market = engine.New(engine.Deps{
		Vault:     vault,
		Lending:   pool,
		Insurance: fund,
		Tokens:    token.NewOutcomeLedger(),
		Verifier:  crypto.NewVerifier(),
		Sink:      nullSink{},
		Clock:     func() time.Time { return f.now },
		Logger:    logger,
	})
	require.NoError(t, f.market.Initialize(domain.MarketParams{
		MarketID:           "mkt-keeper",
		Version:            1,
		CurveK:             100,
		FeeBps:             50,
		MigrationThreshold: big.NewInt(50_000_000),
		DustTolerance:      big.NewInt(1_000),
		MinCollateral:      big.NewInt(1_000_000),
		MaxLeverage:        5,
		BorrowRateBps:      1_000,
		LiqThresholdBps:    12_000,
		InsuranceFeeBps:    500,
		LiquidatorBps:      500,
		ClaimCooloff:       30 * 24 * time.Hour,
	}, f.authority.Address()))

	_, err = vault.Deposit(f.trader.Address(), big.NewInt(100_000_000))
	require.NoError(t, err)
	_, err = vault.Deposit(lending.Account, big.NewInt(1_000_000_000))
	require.NoError(t, err)

	// Fill the curve to migrate, then open the position.
	_, err = f.market.BuyShares(context.Background(), f.sign(domain.ActionBuyShares, f.trader, engine.BuyParams{
		Side:   domain.SideNo,
		Amount: "10000000000",
	}))
	require.NoError(t, err)
	_, err = f.market.OpenPosition(context.Background(), f.sign(domain.ActionOpenPosition, f.trader, engine.OpenParams{
		Side:       domain.SideYes,
		Collateral: "1000000",
		Leverage:   5,
		MinShares:  "0",
	}))
	require.NoError(t, err)

	return f
}

func (f *fixture) keeper(lock *fakeLock, alerter *fakeAlerter) *Keeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		Market:    f.market,
		Signer:    f.keeperKey,
		Authority: f.authority,
		Locks:     lock,
		Alerter:   alerter,
		Interval:  time.Second,
		Clock:     func() time.Time { return f.now },
		Logger:    logger,
	})
}

func TestKeeperLiquidatesUnhealthyPositions(t *testing.T) {
	f := newFixture(t)
	lock := &fakeLock{}
	alerter := &fakeAlerter{}
	k := f.keeper(lock, alerter)

	// Two years of interest sinks the position under water.
	f.now = f.now.Add(2 * time.Duration(marketmath.YearSeconds) * time.Second)

	require.NoError(t, k.RunOnce(context.Background()))

	pos, ok := f.market.PositionOf(f.trader.Address(), domain.SideYes)
	require.True(t, ok)
	assert.False(t, pos.Active)
	assert.Equal(t, 1, lock.acquired)
	require.Len(t, alerter.alerts, 1)
	assert.Contains(t, alerter.alerts[0], "liquidated 1 of 1")
}

func TestKeeperLeavesHealthyPositionsAlone(t *testing.T) {
	f := newFixture(t)
	lock := &fakeLock{}
	alerter := &fakeAlerter{}
	k := f.keeper(lock, alerter)

	require.NoError(t, k.RunOnce(context.Background()))

	pos, ok := f.market.PositionOf(f.trader.Address(), domain.SideYes)
	require.True(t, ok)
	assert.True(t, pos.Active)
	assert.Empty(t, alerter.alerts)
}

func TestKeeperSkipsSweepWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	lock := &fakeLock{held: true}
	k := f.keeper(lock, &fakeAlerter{})

	f.now = f.now.Add(2 * time.Duration(marketmath.YearSeconds) * time.Second)
	require.NoError(t, k.RunOnce(context.Background()))

	pos, ok := f.market.PositionOf(f.trader.Address(), domain.SideYes)
	require.True(t, ok)
	assert.True(t, pos.Active)
}
