package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway"
	"github.com/tarancss/dapp/lib/gateway/mock"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/msg/memory"
	mtype "github.com/tarancss/dapp/lib/msg/types"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/dapp/lib/store/leveldb"
)

const net = "stokenet"

type fixture struct {
	w    *Watcher
	g    *mock.Gateway
	db   *leveldb.LevelDB
	mb   *memory.Memory
	done chan string
	eves <-chan mtype.CommitEvent
	mut  *sync.Mutex
}

func newFixture(t *testing.T, cfg config.PollConfig) *fixture {
	t.Helper()

	db, err := leveldb.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{g: mock.New(2), db: db, mb: memory.New(), mut: new(sync.Mutex)}
	f.w = New(db, f.mb, map[string]gateway.Gateway{net: f.g}, poller.New(cfg), 4, zap.NewNop())

	f.mut.Lock()

	f.eves, _, err = f.mb.GetEvents(net, f.mut)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.stop(t)
		_ = f.mb.Close()
		_ = db.CloseLevelDB()
	})

	return f
}

func (f *fixture) start() {
	f.done = f.w.Watch()
}

func (f *fixture) stop(t *testing.T) {
	if f.done == nil {
		return
	}

	f.w.Stop()

	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	f.done = nil
}

func (f *fixture) event(t *testing.T) mtype.CommitEvent {
	t.Helper()

	select {
	case e := <-f.eves:
		f.mut.Unlock()

		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no commit event")
	}

	return mtype.CommitEvent{}
}

func (f *fixture) noEvent(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case e := <-f.eves:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(d):
	}
}

func (f *fixture) watches(t *testing.T) []string {
	t.Helper()

	lw, err := f.db.GetWatches([]string{net})
	require.NoError(t, err)

	var hs []string

	for _, l := range lw {
		for _, w := range l.Watches {
			hs = append(hs, w.Hash)
		}
	}

	return hs
}

// polled reports whether every hash was queried at least once.
func (f *fixture) polled(hashes []string) bool {
	for _, h := range hashes {
		if f.g.Calls(h) == 0 {
			return false
		}
	}

	return true
}

func fast(timeout time.Duration) config.PollConfig {
	return config.PollConfig{Interval: config.Duration(5 * time.Millisecond), Timeout: config.Duration(timeout)}
}

func TestCommitted(t *testing.T) {
	f := newFixture(t, fast(5*time.Second))

	// a watch persisted by a previous run is resumed
	_, err := f.db.AddWatch(store.Watch{Hash: "0xaa", Session: "s1", Kind: "instantiate"}, net)
	require.NoError(t, err)
	f.g.Commit("0xaa", 2, gw.Receipt{StateVersion: 11})
	f.g.Commit("0xbb", 1, gw.Receipt{Status: gw.StatusCommittedFailure, StateVersion: 12})

	f.start()
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xbb", Act: mtype.WATCH}))

	got := map[string]mtype.CommitEvent{}
	for i := 0; i < 2; i++ {
		e := f.event(t)
		got[e.Hash] = e
	}

	require.Contains(t, got, "0xaa")
	require.Contains(t, got, "0xbb")

	a := got["0xaa"]
	assert.Equal(t, poller.OutcomeCommitted, a.Outcome)
	assert.Equal(t, "s1", a.Session)
	assert.Equal(t, "instantiate", a.Kind)
	assert.Equal(t, gw.StatusCommittedSuccess, a.Status)
	require.NotNil(t, a.Receipt)
	assert.Equal(t, int64(11), a.Receipt.StateVersion)
	assert.Empty(t, a.Error)
	assert.Equal(t, 3, f.g.Calls("0xaa"))

	assert.Equal(t, gw.StatusCommittedFailure, got["0xbb"].Status)

	r, err := f.db.GetReceipt(net, "0xbb")
	require.NoError(t, err)
	assert.Equal(t, int64(12), r.StateVersion)

	assert.Eventually(t, func() bool { return len(f.watches(t)) == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, fast(50*time.Millisecond))
	f.start()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Session: "s1", Act: mtype.WATCH}))

	e := f.event(t)
	assert.Equal(t, "0xaa", e.Hash)
	assert.Equal(t, poller.OutcomeTimeout, e.Outcome)
	assert.Nil(t, e.Receipt)
	assert.NotEmpty(t, e.Error)

	_, err := f.db.GetReceipt(net, "0xaa")
	assert.ErrorIs(t, err, store.ErrDataNotFound)
	assert.Eventually(t, func() bool { return len(f.watches(t)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueryFailed(t *testing.T) {
	f := newFixture(t, fast(5*time.Second))
	f.g.Fail("0xaa", &gw.APIError{StatusCode: 400, Message: "bad request", Type: "InvalidRequestError"})
	f.start()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.WATCH}))

	e := f.event(t)
	assert.Equal(t, poller.OutcomeQueryFailed, e.Outcome)
	assert.Contains(t, e.Error, "InvalidRequestError")
	assert.Equal(t, 1, f.g.Calls("0xaa"))
	assert.Eventually(t, func() bool { return len(f.watches(t)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnwatch(t *testing.T) {
	f := newFixture(t, fast(time.Minute))
	f.start()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.WATCH}))
	assert.Eventually(t, func() bool { return f.g.Calls("0xaa") > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0xaa"}, f.w.Tracking(net))

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.UNWATCH}))

	e := f.event(t)
	assert.Equal(t, poller.OutcomeCancelled, e.Outcome)
	assert.Empty(t, f.watches(t))
	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchTwice(t *testing.T) {
	f := newFixture(t, fast(time.Minute))
	f.start()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.WATCH}))
	}
	// invalid requests are dropped
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "not-a-hash", Act: mtype.WATCH}))
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: "mainnet", Hash: "0xbb", Act: mtype.WATCH}))
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xcc", Act: 7}))
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xdd", Act: mtype.WATCH}))

	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0xaa", "0xdd"}, f.w.Tracking(net))
	assert.ElementsMatch(t, []string{"0xaa", "0xdd"}, f.watches(t))
}

func TestStopKeepsWatches(t *testing.T) {
	f := newFixture(t, fast(time.Minute))
	f.start()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.WATCH}))
	assert.Eventually(t, func() bool { return f.g.Calls("0xaa") > 0 }, time.Second, 5*time.Millisecond)

	f.stop(t)

	f.noEvent(t, 50*time.Millisecond)
	assert.Equal(t, []string{"0xaa"}, f.watches(t))
}

func TestExit(t *testing.T) {
	f := newFixture(t, fast(time.Minute))
	f.start()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xaa", Act: mtype.WATCH}))
	assert.Eventually(t, func() bool { return f.g.Calls("0xaa") > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Act: mtype.EXIT}))

	// the only network exits, so the watcher is done
	select {
	case <-f.done:
		f.done = nil
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit")
	}

	assert.Empty(t, f.w.Tracking(net))

	// later requests are left to the broker for the next start
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0xbb", Act: mtype.WATCH}))
	f.noEvent(t, 50*time.Millisecond)
	assert.Equal(t, []string{"0xaa"}, f.watches(t))
	assert.Zero(t, f.g.Calls("0xbb"))
}

func TestUnwatchWhenSlotsAreFull(t *testing.T) {
	f := newFixture(t, fast(time.Minute))
	f.start()

	hashes := []string{"0x01", "0x02", "0x03", "0x04", "0x05"}
	for _, h := range hashes[:4] {
		require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: h, Act: mtype.WATCH}))
	}

	assert.Eventually(t, func() bool { return f.polled(hashes[:4]) }, time.Second, 5*time.Millisecond)

	// the four slots are taken, the fifth watch waits
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x05", Act: mtype.WATCH}))
	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 5 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.g.Calls("0x05"))

	start := time.Now()

	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x01", Act: mtype.UNWATCH}))

	e := f.event(t)
	assert.Equal(t, "0x01", e.Hash)
	assert.Equal(t, poller.OutcomeCancelled, e.Outcome)
	assert.Less(t, time.Since(start), time.Second)

	// the slot freed goes to the waiting watch
	assert.Eventually(t, func() bool { return f.g.Calls("0x05") > 0 }, time.Second, 5*time.Millisecond)

	// a waiting watch is cancelled without being polled
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x06", Act: mtype.WATCH}))
	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x06", Act: mtype.UNWATCH}))

	e = f.event(t)
	assert.Equal(t, "0x06", e.Hash)
	assert.Equal(t, poller.OutcomeCancelled, e.Outcome)
	assert.Zero(t, f.g.Calls("0x06"))
	assert.ElementsMatch(t, hashes[1:], f.watches(t))
}

func TestResumeMoreWatchesThanSlots(t *testing.T) {
	f := newFixture(t, fast(time.Minute))

	hashes := []string{"0x01", "0x02", "0x03", "0x04", "0x05", "0x06"}
	for _, h := range hashes {
		_, err := f.db.AddWatch(store.Watch{Hash: h}, net)
		require.NoError(t, err)
	}

	f.start()
	assert.Eventually(t, func() bool { return len(f.w.Tracking(net)) == 6 }, time.Second, 5*time.Millisecond)

	// requests are consumed while resumed watches wait for a slot
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x01", Act: mtype.UNWATCH}))
	require.NoError(t, f.mb.SendRequest(net, mtype.WatchReq{Net: net, Hash: "0x02", Act: mtype.UNWATCH}))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		e := f.event(t)
		got[e.Hash] = e.Outcome
	}

	assert.Equal(t, map[string]string{"0x01": poller.OutcomeCancelled, "0x02": poller.OutcomeCancelled}, got)
	assert.Eventually(t, func() bool { return f.polled(hashes[2:]) }, time.Second, 5*time.Millisecond)

	// stopping keeps every remaining watch, polled or waiting
	f.stop(t)
	f.noEvent(t, 50*time.Millisecond)
	assert.ElementsMatch(t, hashes[2:], f.watches(t))
}

func TestBrokerFailureKeepsWatch(t *testing.T) {
	f := newFixture(t, fast(5*time.Second))
	f.g.Commit("0xaa", 0, gw.Receipt{})

	_, err := f.db.AddWatch(store.Watch{Hash: "0xaa"}, net)
	require.NoError(t, err)

	// events can no longer be published
	require.NoError(t, f.mb.Close())
	f.start()

	assert.Eventually(t, func() bool { return f.g.Calls("0xaa") == 1 }, time.Second, 5*time.Millisecond)
	f.stop(t)

	// the receipt is stored, the watch resumes on the next start
	_, err = f.db.GetReceipt(net, "0xaa")
	assert.NoError(t, err)
	assert.Equal(t, []string{"0xaa"}, f.watches(t))
}
