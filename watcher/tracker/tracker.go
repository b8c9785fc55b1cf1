// Package tracker keeps the set of intent hashes a watcher is polling on one network.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status possible values, control whether a Tracker accepts new hashes.
const (
	WORK int = 0
	STOP int = 1
)

// Entry is an in-flight poll.
type Entry struct {
	Session string
	Since   time.Time
	gen     uint64
	cancel  context.CancelFunc
}

// Tracker contains the in-flight polls of a network, keyed by intent hash. A hash is polled at most once at a time.
type Tracker struct {
	l        sync.Mutex
	net      string
	status   int
	gen      uint64
	inflight map[string]Entry
}

// New returns an empty Tracker for net.
func New(net string) *Tracker {
	return &Tracker{net: net, status: WORK, inflight: make(map[string]Entry)}
}

// Net returns the network name.
func (t *Tracker) Net() string { return t.net }

// Track registers hash with the cancel func of its poll. It returns false when the hash is already tracked or the
// tracker is stopped; the caller must not start a poll then. The returned generation identifies this poll in Done.
func (t *Tracker) Track(hash, session string, cancel context.CancelFunc) (uint64, bool) {
	t.l.Lock()
	defer t.l.Unlock()

	if t.status == STOP {
		return 0, false
	}

	if _, ok := t.inflight[hash]; ok {
		return 0, false
	}

	t.gen++
	t.inflight[hash] = Entry{Session: session, Since: time.Now(), gen: t.gen, cancel: cancel}

	return t.gen, true
}

// Done removes hash once the poll of generation gen has ended. A later poll of the same hash is left alone.
func (t *Tracker) Done(hash string, gen uint64) bool {
	t.l.Lock()
	defer t.l.Unlock()

	e, ok := t.inflight[hash]
	if !ok || e.gen != gen {
		return false
	}

	delete(t.inflight, hash)

	return true
}

// Cancel stops the poll of hash and forgets it, returning its entry and an ok flag.
func (t *Tracker) Cancel(hash string) (Entry, bool) {
	t.l.Lock()
	defer t.l.Unlock()

	e, ok := t.inflight[hash]
	if !ok {
		return e, false
	}

	delete(t.inflight, hash)
	e.cancel()

	return e, true
}

// Has reports whether hash is being polled.
func (t *Tracker) Has(hash string) bool {
	t.l.Lock()
	defer t.l.Unlock()

	_, ok := t.inflight[hash]

	return ok
}

// Hashes returns the hashes being polled in order.
func (t *Tracker) Hashes() []string {
	t.l.Lock()
	defer t.l.Unlock()

	hs := make([]string, 0, len(t.inflight))
	for h := range t.inflight {
		hs = append(hs, h)
	}

	sort.Strings(hs)

	return hs
}

// Len returns the number of polls in flight.
func (t *Tracker) Len() int {
	t.l.Lock()
	defer t.l.Unlock()

	return len(t.inflight)
}

// Stop sets status to STOP and cancels every poll in flight. Entries are removed by Done as polls return.
func (t *Tracker) Stop() {
	t.l.Lock()
	defer t.l.Unlock()

	t.status = STOP

	for _, e := range t.inflight {
		e.cancel()
	}
}

// Status returns the current Tracker status
func (t *Tracker) Status() int {
	t.l.Lock()
	defer t.l.Unlock()

	return t.status
}
