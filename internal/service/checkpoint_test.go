package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
)

func (r *svcRig) newCheckpointer() *Checkpointer {
	return NewCheckpointer(r.market, map[string]StateExporter{
		"vault":   r.vault,
		"lending": r.pool,
		"tokens":  r.tokens,
	}, r.snaps, testLogger())
}

func TestCheckpointLoadWithoutSnapshot(t *testing.T) {
	r := newSvcRig(t)
	cp := r.newCheckpointer()

	restored, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, restored, "empty store means cold start, not an error")
}

func TestCheckpointRoundTrip(t *testing.T) {
	r := newSvcRig(t)
	r.buy(2_000_000)
	r.buy(1_000_000)

	require.NoError(t, r.newCheckpointer().Save(context.Background()))

	snap, err := r.snaps.Latest(context.Background(), "mkt-svc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)

	// A fresh process: new engine and ledgers over the same snapshot store.
	r2 := newSvcRig(t)
	r2.snaps = r.snaps
	restored, err := r2.newCheckpointer().Load(context.Background())
	require.NoError(t, err)
	require.True(t, restored)

	// Curve ledger carried over.
	assert.Equal(t, r.market.State().CurrentSupply, r2.market.State().CurrentSupply)
	assert.Equal(t, r.market.State().TotalCapitalRaised, r2.market.State().TotalCapitalRaised)

	// Vault balances carried over.
	assert.Equal(t, r.vault.BalanceOf(r.alice.Address()), r2.vault.BalanceOf(r2.alice.Address()))
	assert.Equal(t, r.vault.BalanceOf(r.market.EscrowAccount()), r2.vault.BalanceOf(r2.market.EscrowAccount()))

	// Nonces carried over: replaying a pre-checkpoint action must fail.
	stale := r.signed(domain.ActionBuyShares, r.alice, map[string]string{})
	stale.Request.Nonce = 0
	initSig, err := r.alice.SignAction(stale.Request)
	require.NoError(t, err)
	authSig, err := r.authority.SignAction(stale.Request)
	require.NoError(t, err)
	stale.InitiatorSig, stale.AuthoritySig = initSig, authSig

	_, err = r2.market.BuyShares(context.Background(), stale)
	require.ErrorIs(t, err, domain.ErrBadNonce)
}

func TestCheckpointRestoredEngineAcceptsNewActions(t *testing.T) {
	r := newSvcRig(t)
	r.buy(2_000_000)
	require.NoError(t, r.newCheckpointer().Save(context.Background()))

	r2 := newSvcRig(t)
	r2.snaps = r.snaps
	restored, err := r2.newCheckpointer().Load(context.Background())
	require.NoError(t, err)
	require.True(t, restored)

	res := r2.buy(1_000_000)
	assert.Positive(t, res.Shares.Sign())

	// Sequence continues past the checkpoint instead of restarting at 1.
	assert.Equal(t, uint64(2), r2.events.events[len(r2.events.events)-1].Sequence)
}
