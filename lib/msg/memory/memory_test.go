package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mtype "github.com/tarancss/dapp/lib/msg/types"
)

func TestRequests(t *testing.T) {
	m := New()
	defer m.Close()

	require.NoError(t, m.Setup())

	// queued before anyone consumes
	require.NoError(t, m.SendRequest("stokenet", mtype.WatchReq{Net: "stokenet", Hash: "0x01", Act: mtype.WATCH}))
	require.NoError(t, m.SendRequest("stokenet", mtype.WatchReq{Net: "stokenet", Hash: "0x02", Act: mtype.UNWATCH}))
	require.NoError(t, m.SendRequest("mainnet", mtype.WatchReq{Net: "mainnet", Hash: "0x03"}))

	mut := new(sync.Mutex)
	mut.Lock()

	reqs, _, err := m.GetReqs("stokenet", mut)
	require.NoError(t, err)

	for _, want := range []string{"0x01", "0x02"} {
		select {
		case r := <-reqs:
			assert.Equal(t, want, r.Hash)
			assert.Equal(t, "stokenet", r.Net)
		case <-time.After(time.Second):
			t.Fatalf("request %s not received", want)
		}

		mut.Unlock()
	}

	// nothing from other networks
	select {
	case r := <-reqs:
		t.Fatalf("unexpected request %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventsWaitForUnlock(t *testing.T) {
	m := New()
	defer m.Close()

	mut := new(sync.Mutex)
	mut.Lock()

	eves, _, err := m.GetEvents("stokenet", mut)
	require.NoError(t, err)

	require.NoError(t, m.SendEvent("stokenet", mtype.CommitEvent{Hash: "0x01", Outcome: "committed"}))
	require.NoError(t, m.SendEvent("stokenet", mtype.CommitEvent{Hash: "0x02", Outcome: "timeout"}))

	e := <-eves
	assert.Equal(t, "0x01", e.Hash)

	// the second event is held until the first one is processed
	select {
	case e = <-eves:
		t.Fatalf("event %s delivered before unlock", e.Hash)
	case <-time.After(20 * time.Millisecond):
	}

	mut.Unlock()

	select {
	case e = <-eves:
		assert.Equal(t, "0x02", e.Hash)
		assert.Equal(t, "timeout", e.Outcome)
	case <-time.After(time.Second):
		t.Fatal("second event not received")
	}

	mut.Unlock()
}

func TestClose(t *testing.T) {
	m := New()

	mut := new(sync.Mutex)
	mut.Lock()

	reqs, errs, err := m.GetReqs("stokenet", mut)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, ok := <-reqs
	assert.False(t, ok)

	_, ok = <-errs
	assert.False(t, ok)

	assert.ErrorIs(t, m.SendRequest("stokenet", mtype.WatchReq{Hash: "0x01"}), ErrClosed)
	assert.ErrorIs(t, m.SendEvent("stokenet", mtype.CommitEvent{Hash: "0x01"}), ErrClosed)

	_, _, err = m.GetEvents("stokenet", mut)
	assert.ErrorIs(t, err, ErrClosed)
}
