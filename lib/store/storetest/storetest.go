// Package storetest contains the checks every store.DB implementation must pass.
package storetest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/store"
)

// Run checks db with the networks named net1 and net2, which must hold no data yet.
func Run(t *testing.T, db store.DB, net1, net2 string) {
	t.Helper()

	t.Run("watches", func(t *testing.T) { Watches(t, db, net1, net2) })
	t.Run("receipts", func(t *testing.T) { Receipts(t, db, net1) })
	t.Run("sessions", func(t *testing.T) { Sessions(t, db, net1) })
}

// Watches checks adding, listing and removing watches.
func Watches(t *testing.T, db store.DB, net1, net2 string) {
	_, err := db.AddWatch(store.Watch{}, net1)
	assert.ErrorIs(t, err, store.ErrNoHash)

	id1, err := db.AddWatch(store.Watch{Hash: "0xaa", Session: "s1", Kind: "instantiate"}, net1)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// adding a watched hash again returns the same watch
	again, err := db.AddWatch(store.Watch{Hash: "0xaa"}, net1)
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	_, err = db.AddWatch(store.Watch{Hash: "0xbb", Since: time.Now().Add(time.Second)}, net1)
	require.NoError(t, err)
	_, err = db.AddWatch(store.Watch{Hash: "0xaa"}, net2)
	require.NoError(t, err)

	lw, err := db.GetWatches([]string{net1})
	require.NoError(t, err)
	require.Len(t, lw, 1)
	assert.Equal(t, net1, lw[0].Net)
	require.Len(t, lw[0].Watches, 2)
	assert.Equal(t, "0xaa", lw[0].Watches[0].Hash)
	assert.Equal(t, "s1", lw[0].Watches[0].Session)
	assert.Equal(t, "instantiate", lw[0].Watches[0].Kind)
	assert.Equal(t, id1, lw[0].Watches[0].ID)
	assert.False(t, lw[0].Watches[0].Since.IsZero())

	all, err := db.GetWatches(nil)
	require.NoError(t, err)

	nets := map[string]int{}
	for _, l := range all {
		nets[l.Net] = len(l.Watches)
	}

	assert.Equal(t, 2, nets[net1])
	assert.Equal(t, 1, nets[net2])

	require.NoError(t, db.RemoveWatch(store.Watch{Hash: "0xaa"}, net1))
	assert.ErrorIs(t, db.RemoveWatch(store.Watch{Hash: "0xaa"}, net1), store.ErrWatchNotFound)
	require.NoError(t, db.RemoveWatch(store.Watch{Hash: "0xbb"}, net1))
	require.NoError(t, db.RemoveWatch(store.Watch{Hash: "0xaa"}, net2))

	lw, err = db.GetWatches([]string{net1, net2})
	require.NoError(t, err)

	for _, l := range lw {
		assert.Empty(t, l.Watches, l.Net)
	}
}

// Receipts checks saving and loading receipts.
func Receipts(t *testing.T, db store.DB, net string) {
	_, err := db.GetReceipt(net, "0xcc")
	assert.ErrorIs(t, err, store.ErrDataNotFound)

	assert.ErrorIs(t, db.SaveReceipt(net, types.Receipt{}), store.ErrNoHash)

	r := types.Receipt{
		IntentHash:               "0xcc",
		Status:                   types.StatusCommittedSuccess,
		StateVersion:             9099,
		Epoch:                    4209,
		ConfirmedAt:              time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ReferencedGlobalEntities: []string{"component_tdx_2_1x", "resource_tdx_2_1y"},
		Raw:                      json.RawMessage(`{"transaction":{"transaction_status":"CommittedSuccess"}}`),
	}
	require.NoError(t, db.SaveReceipt(net, r))

	got, err := db.GetReceipt(net, "0xcc")
	require.NoError(t, err)
	assert.Equal(t, r.IntentHash, got.IntentHash)
	assert.Equal(t, r.Status, got.Status)
	assert.Equal(t, r.StateVersion, got.StateVersion)
	assert.Equal(t, r.Epoch, got.Epoch)
	assert.True(t, r.ConfirmedAt.Equal(got.ConfirmedAt))
	assert.Equal(t, r.ReferencedGlobalEntities, got.ReferencedGlobalEntities)
	assert.JSONEq(t, string(r.Raw), string(got.Raw))

	// saving again replaces
	r.Status = types.StatusCommittedFailure
	require.NoError(t, db.SaveReceipt(net, r))

	got, err = db.GetReceipt(net, "0xcc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCommittedFailure, got.Status)
}

// Sessions checks saving, loading and deleting sessions.
func Sessions(t *testing.T, db store.DB, net string) {
	_, err := db.GetSession("nope")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	assert.ErrorIs(t, db.SaveSession(store.Session{}), store.ErrNoSessionID)

	s := store.Session{
		ID:        "5f0c6a2e-8d43-4d53-a1d4-34d1b3c1f5b0",
		Net:       net,
		Account:   "account_tdx_2_1a",
		Addresses: map[string]string{"component": "component_tdx_2_1c"},
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.SaveSession(s))

	s.Addresses["pool_unit"] = "resource_tdx_2_1p"
	require.NoError(t, db.SaveSession(s))

	got, err := db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Net, got.Net)
	assert.Equal(t, s.Account, got.Account)
	assert.Equal(t, s.Addresses, got.Addresses)
	assert.True(t, s.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, db.DeleteSession(s.ID))
	assert.ErrorIs(t, db.DeleteSession(s.ID), store.ErrSessionNotFound)

	_, err = db.GetSession(s.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
