// Package watcher implements the commitment watcher microservice. The watcher follows submitted intents until the
// gateway reports them committed and publishes an event with the outcome of every watch.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/dapp/lib/gateway"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/msg"
	mtype "github.com/tarancss/dapp/lib/msg/types"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/dapp/watcher/tracker"
)

// DefaultMaxWatches bounds the polls in flight per network when none is configured.
const DefaultMaxWatches = 16

var inflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dapp",
	Subsystem: "watcher",
	Name:      "watches_in_flight",
	Help:      "Intent hashes being polled for commitment.",
}, []string{"net"})

// Watcher implements a watcher service.
type Watcher struct {
	db  store.DB
	mb  msg.MsgBroker
	gw  map[string]gateway.Gateway
	p   *poller.Poller
	max int
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	trk map[string]*tracker.Tracker
}

// New instantiates a new watcher service polling with p on each gateway network, with at most maxWatches polls in
// flight per network.
func New(db store.DB, mb msg.MsgBroker, gws map[string]gateway.Gateway, p *poller.Poller, maxWatches int,
	logger *zap.Logger,
) *Watcher {
	if maxWatches <= 0 {
		maxWatches = DefaultMaxWatches
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		db:     db,
		mb:     mb,
		gw:     gws,
		p:      p,
		max:    maxWatches,
		log:    logger.With(zap.String("module", "watcher")),
		ctx:    ctx,
		cancel: cancel,
		trk:    make(map[string]*tracker.Tracker),
	}
}

// Watch starts a go routine for each gateway network. Each one resumes the watches persisted in the database, then
// consumes watch requests from the broker until the watcher is stopped. The returned channel receives a message when
// every network has finished, after all of its polls have returned.
func (w *Watcher) Watch() chan string {
	ret := make(chan string, 1)
	done := make(chan string, len(w.gw))

	for net := range w.gw {
		t := tracker.New(net)

		w.mu.Lock()
		w.trk[net] = t
		w.mu.Unlock()

		go func(net string) {
			err := w.run(net, t)
			if err != nil {
				w.log.Error("network watch ended", zap.String("net", net), zap.Error(err))
			}

			done <- fmt.Sprintf("[%s] Done! err:%v", net, err)
		}(net)
	}

	go func() {
		for i := 1; i <= len(w.gw); i++ {
			w.log.Info("watch returned", zap.Int("n", i), zap.Int("of", len(w.gw)), zap.String("msg", <-done))
		}
		ret <- "Done!"
	}()

	return ret
}

// Stop cancels every poll in flight and the consumption of requests. Persisted watches are kept so they resume on
// the next start.
func (w *Watcher) Stop() {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range w.trk {
		t.Stop()
	}
}

// Tracking returns the intent hashes being polled in net.
func (w *Watcher) Tracking(net string) []string {
	w.mu.Lock()
	t, ok := w.trk[net]
	w.mu.Unlock()

	if !ok {
		return nil
	}

	return t.Hashes()
}

func (w *Watcher) stopping(t *tracker.Tracker) bool {
	return w.ctx.Err() != nil || t.Status() == tracker.STOP
}

// network holds what the watcher keeps while watching a network. slots bounds the polls in flight: polls wait for a
// slot in their own go routine, so requests are always consumed.
type network struct {
	net   string
	t     *tracker.Tracker
	g     errgroup.Group
	slots chan struct{}
}

// run watches a network until the watcher is stopped or an exit is requested.
func (w *Watcher) run(net string, t *tracker.Tracker) error {
	n := &network{net: net, t: t, slots: make(chan struct{}, w.max)}
	defer func() { _ = n.g.Wait() }()

	lw, err := w.db.GetWatches([]string{net})
	if err != nil {
		return fmt.Errorf("cannot load watches from DB: %w", err)
	}

	if len(lw) == 0 || len(lw[0].Watches) == 0 {
		w.log.Info("no persisted watches to resume", zap.String("net", net))
	}

	for _, l := range lw {
		for _, wt := range l.Watches {
			w.start(n, wt)
		}
	}

	return w.manageRequests(n)
}

// manageRequests consumes the watch requests for a network until the watcher is stopped, an exit is requested or
// the broker closes.
func (w *Watcher) manageRequests(n *network) error {
	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := w.mb.GetReqs(n.net, mut)
	if err != nil {
		return fmt.Errorf("watcher: cannot get requests: %w", err)
	}

	log := w.log.With(zap.String("net", n.net))
	log.Info("start listening to watch request channel")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("stop listening to watch request channel")

			return nil
		case req, ok := <-reqCh:
			if !ok {
				log.Info("watch request channel closed")

				return nil
			}

			exit := w.handle(n, req)
			mut.Unlock()

			if exit {
				log.Info("exit requested, stop listening to watch request channel")

				return nil
			}
		case e, ok := <-errCh:
			if !ok {
				errCh = nil

				continue
			}

			log.Warn("received broker error", zap.Error(e))
		}
	}
}

// handle applies a watch request. It returns true when the request asks the network to exit.
func (w *Watcher) handle(n *network, req mtype.WatchReq) bool {
	log := w.log.With(zap.String("net", n.net), zap.String("hash", req.Hash), zap.Int("act", req.Act))

	if req.Act == mtype.EXIT {
		n.t.Stop()

		return true
	}

	if req.Net != n.net || gw.CheckIntentHash(req.Hash) != nil || (req.Act != mtype.WATCH && req.Act != mtype.UNWATCH) {
		log.Warn("ignoring invalid watch request", zap.String("reqNet", req.Net))

		return false
	}

	wt := store.Watch{Hash: req.Hash, Session: req.Session, Kind: req.Kind}

	if req.Act == mtype.WATCH {
		if _, err := w.db.AddWatch(wt, n.net); err != nil {
			log.Error("error adding watch to DB", zap.Error(err))

			return false
		}

		w.start(n, wt)
		log.Debug("watch added")

		return false
	}

	if _, ok := n.t.Cancel(req.Hash); !ok {
		log.Info("unwatched intent was not being polled")
	}

	if err := w.db.RemoveWatch(wt, n.net); err != nil && !errors.Is(err, store.ErrWatchNotFound) {
		log.Error("error removing watch from DB", zap.Error(err))
	}

	return false
}

// start polls a watch unless its hash is already being polled. It never blocks: the poll waits for a free slot.
func (w *Watcher) start(n *network, wt store.Watch) {
	ctx, cancel := context.WithCancel(w.ctx)

	gen, ok := n.t.Track(wt.Hash, wt.Session, cancel)
	if !ok {
		cancel()

		if n.t.Status() == tracker.STOP {
			w.log.Warn("network is not watching, watch kept for the next start", zap.String("net", n.net),
				zap.String("hash", wt.Hash))
		}

		return
	}

	n.g.Go(func() error {
		defer n.t.Done(wt.Hash, gen)
		defer cancel()

		select {
		case n.slots <- struct{}{}:
		case <-ctx.Done():
			w.report(n, wt, gw.Receipt{}, fmt.Errorf("%w: %w", poller.ErrCancelled, ctx.Err()))

			return nil
		}

		inflight.WithLabelValues(n.net).Inc()
		defer func() {
			inflight.WithLabelValues(n.net).Dec()
			<-n.slots
		}()

		w.poll(ctx, n, wt)

		return nil
	})
}

// poll waits for the commitment of a watched intent and reports the outcome.
func (w *Watcher) poll(ctx context.Context, n *network, wt store.Watch) {
	g, ok := w.gw[n.net]
	if !ok {
		w.log.Error("no gateway for network", zap.String("net", n.net), zap.String("hash", wt.Hash))

		return
	}

	r, err := poller.Wait(ctx, w.p, wt.Hash, gateway.Committed(g))
	w.report(n, wt, r, err)
}

// report publishes the outcome of a watch. The watch is dropped once its event has been published, except when the
// watcher is stopping.
func (w *Watcher) report(n *network, wt store.Watch, r gw.Receipt, err error) {
	net := n.net
	log := w.log.With(zap.String("net", net), zap.String("hash", wt.Hash))

	e := mtype.CommitEvent{Net: net, Hash: wt.Hash, Session: wt.Session, Kind: wt.Kind, Time: time.Now().UTC()}

	switch {
	case err == nil:
		if err = w.db.SaveReceipt(net, r); err != nil {
			log.Error("error saving receipt to DB", zap.Error(err))
		}

		e.Outcome, e.Status, e.Receipt = poller.OutcomeCommitted, r.Status, &r
	case errors.Is(err, poller.ErrCancelled):
		if w.stopping(n.t) {
			log.Debug("poll stopped, watch kept")

			return
		}
		// unwatched, the request handler already removed the watch
		e.Outcome, e.Error = poller.OutcomeCancelled, err.Error()
	case errors.Is(err, poller.ErrTimeout):
		e.Outcome, e.Error = poller.OutcomeTimeout, err.Error()
	default:
		e.Outcome, e.Error = poller.OutcomeQueryFailed, err.Error()
	}

	log.Info("watch ended", zap.String("outcome", e.Outcome), zap.String("status", string(e.Status)))

	if err = w.mb.SendEvent(net, e); err != nil {
		log.Error("error sending commit event, watch kept", zap.Error(err))

		return
	}

	if e.Outcome == poller.OutcomeCancelled {
		return
	}

	if err = w.db.RemoveWatch(wt, net); err != nil && !errors.Is(err, store.ErrWatchNotFound) {
		log.Error("error removing watch from DB", zap.Error(err))
	}
}
