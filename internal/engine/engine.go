// Package engine implements the market engine: the bonding-curve sale, the
// one-shot migration into a virtual constant-product market maker, leveraged
// position lifecycle, and resolution with a solvency-guarded settlement
// price. The engine exclusively owns its MarketState and Position records;
// every mutation goes through its entry points, which execute atomically —
// on any failure the engine and all registered collaborators roll back to
// their pre-call state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// Market is one deployed market instance.
type Market struct {
	params    domain.MarketParams
	state     *domain.MarketState
	positions map[domain.PositionKey]*domain.Position
	authority string

	vault     domain.CustodyVault
	lending   domain.LendingPool
	insurance domain.InsuranceFund
	tokens    domain.OutcomeLedger
	verifier  domain.ActionVerifier
	sink      domain.EventSink
	clock     domain.Clock
	logger    *slog.Logger

	// mu serializes mutations against the read surface. busy is the
	// reentrancy depth flag: a collaborator calling back into the engine
	// mid-operation runs on the goroutine that already holds mu, so the
	// flag rejects it with ErrReentrantCall instead of deadlocking.
	// Callers resubmit with fresh signatures.
	mu   sync.RWMutex
	busy atomic.Bool

	seq     uint64
	pending []domain.Event

	initialized bool
}

// Deps bundles the collaborators a Market needs.
type Deps struct {
	Vault     domain.CustodyVault
	Lending   domain.LendingPool
	Insurance domain.InsuranceFund
	Tokens    domain.OutcomeLedger
	Verifier  domain.ActionVerifier
	Sink      domain.EventSink
	Clock     domain.Clock
	Logger    *slog.Logger
}

// New creates an uninitialized Market. Initialize must be called exactly once
// before any operation.
func New(deps Deps) *Market {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Market{
		positions: make(map[domain.PositionKey]*domain.Position),
		vault:     deps.Vault,
		lending:   deps.Lending,
		insurance: deps.Insurance,
		tokens:    deps.Tokens,
		verifier:  deps.Verifier,
		sink:      deps.Sink,
		clock:     clock,
		logger:    deps.Logger,
	}
}

// Initialize installs the market parameters and the authority address. The
// guard flag makes it one-shot regardless of how the instance was
// constructed or loaded.
func (m *Market) Initialize(params domain.MarketParams, authority string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return fmt.Errorf("engine: initialize: %w", domain.ErrAlreadyInitialized)
	}
	m.params = params
	m.authority = authority
	m.state = domain.NewMarketState()
	m.initialized = true

	m.logger.Info("engine: market initialized",
		slog.String("market", params.MarketID),
		slog.String("migration_threshold", params.MigrationThreshold.String()),
		slog.Int64("curve_k", params.CurveK),
	)
	return nil
}

// MarketAccount is the vault account holding the market's own funds.
func (m *Market) MarketAccount() string {
	return "market:" + m.params.MarketID
}

// EscrowAccount is the vault account accumulating Phase-1 capital before the
// one-shot migration pull.
func (m *Market) EscrowAccount() string {
	return "escrow:" + m.params.MarketID
}

// Authority returns the current co-signing authority address.
func (m *Market) Authority() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authority
}

// ---------------------------------------------------------------------------
// Atomic execution envelope
// ---------------------------------------------------------------------------

type opSnapshot struct {
	state     *domain.MarketState
	positions map[domain.PositionKey]*domain.Position
	authority string
	seq       uint64
	collabs   []any
}

// run executes fn under the engine lock with full snapshot/rollback. Events
// emitted during fn are buffered and flushed to the sink only after fn
// succeeds, so a rolled-back operation is never observable off-engine.
func (m *Market) run(ctx context.Context, op string, fn func() error) error {
	// Checked before taking mu: a reentrant call arrives on the goroutine
	// already holding the lock.
	if m.busy.Load() {
		return fmt.Errorf("engine: %s: %w", op, domain.ErrReentrantCall)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: %s: %w", op, domain.ErrReentrantCall)
	}
	defer m.busy.Store(false)

	if !m.initialized {
		return fmt.Errorf("engine: %s: market not initialized", op)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("engine: %s: %w", op, domain.ErrContextDone)
	}

	snap := m.snapshot()
	m.pending = m.pending[:0]

	if err := fn(); err != nil {
		m.restore(snap)
		m.pending = m.pending[:0]
		return fmt.Errorf("engine: %s: %w", op, err)
	}

	for _, evt := range m.pending {
		m.sink.Emit(ctx, evt)
	}
	m.pending = m.pending[:0]
	return nil
}

func (m *Market) snapshot() opSnapshot {
	snap := opSnapshot{
		state:     m.state.Clone(),
		positions: make(map[domain.PositionKey]*domain.Position, len(m.positions)),
		authority: m.authority,
		seq:       m.seq,
	}
	for k, p := range m.positions {
		snap.positions[k] = p.Clone()
	}
	for _, c := range m.collaborators() {
		snap.collabs = append(snap.collabs, c.Snapshot())
	}
	return snap
}

func (m *Market) restore(snap opSnapshot) {
	m.state = snap.state
	m.positions = snap.positions
	m.authority = snap.authority
	m.seq = snap.seq
	collabs := m.collaborators()
	for i, c := range collabs {
		c.Restore(snap.collabs[i])
	}
}

func (m *Market) collaborators() []domain.Snapshotter {
	return []domain.Snapshotter{m.vault, m.lending, m.insurance, m.tokens}
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// verifyAction checks a signed action: deadline first (before any state
// read), then action/market binding, signatures, and the initiator's nonce.
// Authority-gated actions skip the initiator signature.
func (m *Market) verifyAction(sa domain.SignedAction, action string, needInitiator bool) error {
	req := sa.Request

	if m.clock().Unix() > req.Deadline {
		return domain.ErrDeadlineExpired
	}
	if req.MarketID != m.params.MarketID || req.Action != action {
		return domain.ErrInvalidSignature
	}
	if needInitiator {
		if err := m.verifier.VerifyAction(req, sa.InitiatorSig, req.Initiator); err != nil {
			return err
		}
	}
	if err := m.verifier.VerifyAction(req, sa.AuthoritySig, m.authority); err != nil {
		return err
	}
	if req.Nonce != m.state.Nonces[req.Initiator] {
		return domain.ErrBadNonce
	}
	return nil
}

// consumeNonce advances the initiator's replay counter. Called exactly once
// per successful signed operation.
func (m *Market) consumeNonce(initiator string) {
	m.state.Nonces[initiator]++
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (m *Market) emit(typ domain.EventType, data map[string]string) {
	m.seq++
	m.pending = append(m.pending, domain.Event{
		ID:       uuid.New().String(),
		Sequence: m.seq,
		MarketID: m.params.MarketID,
		Type:     typ,
		At:       m.clock().UTC(),
		Data:     data,
	})
}

// ---------------------------------------------------------------------------
// Read surface
// ---------------------------------------------------------------------------

// State returns a deep copy of the market state.
func (m *Market) State() *domain.MarketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Params returns the market parameters.
func (m *Market) Params() domain.MarketParams {
	return m.params
}

// Prices returns the current fixed-point prices of both sides. Before
// migration both are zero.
func (m *Market) Prices() (yes, no *big.Int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Phase == domain.PhasePreMigration {
		return new(big.Int), new(big.Int)
	}
	return marketmath.SpotPrice(m.state.ReserveStable, m.state.ReserveYes),
		marketmath.SpotPrice(m.state.ReserveStable, m.state.ReserveNo)
}

// PositionOf returns a copy of the position for (trader, side), or false.
func (m *Market) PositionOf(trader string, side domain.Side) (*domain.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[domain.PositionKey{Trader: trader, Side: side}]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// ActivePositions returns copies of all active positions.
func (m *Market) ActivePositions() []*domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if p.Active {
			out = append(out, p.Clone())
		}
	}
	return out
}

// NonceOf returns the next expected nonce for an address.
func (m *Market) NonceOf(addr string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Nonces[addr]
}

// ---------------------------------------------------------------------------
// Payload helpers
// ---------------------------------------------------------------------------

func decodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q: %w", s, domain.ErrZeroAmount)
	}
	return n, nil
}
