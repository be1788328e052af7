package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/collateral"
	"github.com/forecastex/marketd/internal/crypto"
	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
	"github.com/forecastex/marketd/internal/insurance"
	"github.com/forecastex/marketd/internal/lending"
	"github.com/forecastex/marketd/internal/token"
)

// Throwaway dev-chain keys, never used outside tests.
const (
	authorityKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	aliceKey     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

type memEventStore struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
}

func (s *memEventStore) Append(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *memEventStore) List(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...), nil
}

func (s *memEventStore) ListAll(ctx context.Context, marketID string) ([]domain.Event, error) {
	return s.List(ctx, marketID, domain.ListOpts{})
}

func (s *memEventStore) Count(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *memEventStore) ListBefore(_ context.Context, _ string, before time.Time) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.At.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEventStore) DeleteBefore(_ context.Context, _ string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.Event
	var n int64
	for _, e := range s.events {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

type closeRecord struct {
	trader  string
	side    domain.Side
	outcome string
	payout  string
}

type memHistory struct {
	mu      sync.Mutex
	inserts []domain.PositionRecord
	closes  []closeRecord
}

func (h *memHistory) Insert(_ context.Context, rec domain.PositionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inserts = append(h.inserts, rec)
	return nil
}

func (h *memHistory) MarkClosed(_ context.Context, _, trader string, side domain.Side, outcome, payout string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, closeRecord{trader: trader, side: side, outcome: outcome, payout: payout})
	return nil
}

func (h *memHistory) ListByTrader(_ context.Context, _, trader string, _ domain.ListOpts) ([]domain.PositionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.PositionRecord
	for _, rec := range h.inserts {
		if rec.Trader == trader {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *memHistory) ListOpen(_ context.Context, _ string) ([]domain.PositionRecord, error) {
	return nil, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type memCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated int
}

func (c *memCache) Set(_ context.Context, marketID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[marketID] = data
	return nil
}

func (c *memCache) Get(_ context.Context, marketID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[marketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (c *memCache) Invalidate(_ context.Context, marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, marketID)
	c.invalidated++
	return nil
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]domain.StateSnapshot
}

func (s *memSnapshots) Save(_ context.Context, snap domain.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps == nil {
		s.snaps = make(map[string]domain.StateSnapshot)
	}
	s.snaps[snap.MarketID] = snap
	return nil
}

func (s *memSnapshots) Latest(_ context.Context, marketID string) (domain.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[marketID]
	if !ok {
		return domain.StateSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() domain.MarketParams {
	return domain.MarketParams{
		MarketID: "mkt-svc",
		Version:  1,

		CurveK:             100,
		FeeBps:             50,
		MigrationThreshold: big.NewInt(50_000_000),
		DustTolerance:      big.NewInt(1_000),

		MinCollateral:   big.NewInt(1_000_000),
		MaxLeverage:     5,
		BorrowRateBps:   1_000,
		LiqThresholdBps: 12_000,
		InsuranceFeeBps: 500,
		LiquidatorBps:   500,

		BonusTiers: []domain.BonusTier{
			{Ceiling: big.NewInt(1_000_000_000), BonusBps: 500},
			{Ceiling: nil, BonusBps: 1_500},
		},
		ClaimCooloff: 30 * 24 * time.Hour,
	}
}

// svcRig wires a real engine over in-memory stores, with a FanoutSink as the
// event sink.
type svcRig struct {
	t      *testing.T
	market *engine.Market
	vault  *collateral.Vault
	pool   *lending.Pool
	tokens *token.OutcomeLedger

	events  *memEventStore
	history *memHistory
	bus     *memBus
	cache   *memCache
	snaps   *memSnapshots

	authority *crypto.Signer
	alice     *crypto.Signer
	now       time.Time
}

func newSvcRig(t *testing.T) *svcRig {
	t.Helper()
	logger := testLogger()

	r := &svcRig{
		t:       t,
		events:  &memEventStore{},
		history: &memHistory{},
		bus:     &memBus{},
		cache:   &memCache{},
		snaps:   &memSnapshots{},
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	var err error
	r.authority, err = crypto.NewSigner(authorityKey)
	require.NoError(t, err)
	r.alice, err = crypto.NewSigner(aliceKey)
	require.NoError(t, err)

	r.vault = collateral.NewVault(1, logger)
	r.pool = lending.NewPool(r.vault, 8_000, logger)
	r.tokens = token.NewOutcomeLedger()

	sink := NewFanoutSink(r.events, r.history, r.bus, r.cache, logger)

	r.market = engine.New(engine.Deps{
		Vault:     r.vault,
		Lending:   r.pool,
		Insurance: insurance.NewFund(r.vault, logger),
		Tokens:    r.tokens,
		Verifier:  crypto.NewVerifier(),
		Sink:      sink,
		Clock:     func() time.Time { return r.now },
		Logger:    logger,
	})
	require.NoError(t, r.market.Initialize(testParams(), r.authority.Address()))

	_, err = r.vault.Deposit(r.alice.Address(), big.NewInt(100_000_000))
	require.NoError(t, err)
	_, err = r.vault.Deposit(lending.Account, big.NewInt(1_000_000_000))
	require.NoError(t, err)

	return r
}

func (r *svcRig) signed(action string, initiator *crypto.Signer, payload any) domain.SignedAction {
	r.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(r.t, err)

	req := domain.ActionRequest{
		MarketID:  r.market.Params().MarketID,
		Action:    action,
		Initiator: initiator.Address(),
		Nonce:     r.market.NonceOf(initiator.Address()),
		Deadline:  r.now.Add(time.Hour).Unix(),
		Payload:   body,
	}
	initSig, err := initiator.SignAction(req)
	require.NoError(r.t, err)
	authSig, err := r.authority.SignAction(req)
	require.NoError(r.t, err)
	return domain.SignedAction{Request: req, InitiatorSig: initSig, AuthoritySig: authSig}
}

func (r *svcRig) buy(baseUnits int64) engine.BuyResult {
	r.t.Helper()
	sa := r.signed(domain.ActionBuyShares, r.alice, engine.BuyParams{
		Side:   domain.SideYes,
		Amount: big.NewInt(baseUnits).String(),
	})
	res, err := r.market.BuyShares(context.Background(), sa)
	require.NoError(r.t, err)
	return res
}
