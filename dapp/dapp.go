// Package dapp implements the dapp microservice.
//
// This microservice implements a RESTful API for dapp front ends to build transaction manifests, submit notarized
// transactions to the ledger gateways and follow them until they are committed. Commit events reported by the
// watcher service are pushed to websocket clients and bound into the sessions that originated them.
package dapp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/gateway"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/manifest"
	"github.com/tarancss/dapp/lib/msg"
	mtype "github.com/tarancss/dapp/lib/msg/types"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/hd"
)

// Dapp contains the data necessary to deliver the service
type Dapp struct {
	db  store.DB                   // db connection
	gw  map[string]gateway.Gateway // gateway clients
	hd  *hd.HdWallet               // HD wallet for local signer keys
	mb  msg.MsgBroker
	p   *poller.Poller
	max time.Duration // longest wait for a commitment
	log *zap.Logger
	hub *hub

	sessions sync.Mutex   // serialises session read-modify-writes
	s        *http.Server // http server
	ss       *http.Server // https server
	sc       chan struct{}
}

// New returns a pointer to a new Dapp service
func New(dbConn store.DB, mb msg.MsgBroker, gws map[string]gateway.Gateway, p *poller.Poller, hdw *hd.HdWallet,
	logger *zap.Logger,
) *Dapp {
	log := logger.With(zap.String("module", "dapp"))

	return &Dapp{
		db:  dbConn,
		gw:  gws,
		hd:  hdw,
		mb:  mb,
		p:   p,
		max: maxWait,
		log: log,
		hub: newHub(log),
		sc:  make(chan struct{}),
	}
}

// Stop shuts down the http servers implementing the RESTful API and disconnects the websocket clients. The message
// broker, database and gateways are closed by their owner.
func (d *Dapp) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
	defer cancel()

	if d.s != nil {
		if err := d.s.Shutdown(ctx); err != nil {
			d.log.Error("error in http server shutdown", zap.Error(err))
		}
	}

	if d.ss != nil {
		if err := d.ss.Shutdown(ctx); err != nil {
			d.log.Error("error in https server shutdown", zap.Error(err))
		}
	}

	d.hub.close()

	select {
	case <-d.sc:
	default:
		close(d.sc) // indicate shutdowns have finished
	}
}

// ManageEvents starts go routines to consume the message broker queues for commit events sent by the watcher
// service. For each gateway network, two channels are opened, one for events and one for errors.
func (d *Dapp) ManageEvents() error {
	for net := range d.gw {
		mut := new(sync.Mutex)
		mut.Lock()

		eveCh, errCh, err := d.mb.GetEvents(net, mut)
		if err != nil {
			return err
		}

		log := d.log.With(zap.String("net", net))

		go func() {
			log.Info("start listening to watcher event channel")

			for eve := range eveCh {
				d.onEvent(eve)
				mut.Unlock()
			}

			log.Info("stop listening to watcher event channel")
		}()

		go func() {
			for e := range errCh {
				log.Warn("received broker error", zap.Error(e))
			}
		}()
	}

	return nil
}

// onEvent binds the entities created by a committed transaction into its session and pushes the event to the
// websocket clients.
func (d *Dapp) onEvent(e mtype.CommitEvent) {
	d.log.Info("commit event", zap.String("net", e.Net), zap.String("hash", e.Hash), zap.String("outcome", e.Outcome),
		zap.String("status", string(e.Status)))

	if e.Outcome == poller.OutcomeCommitted && e.Receipt != nil {
		if _, err := d.bind(e.Session, manifest.Kind(e.Kind), *e.Receipt); err != nil {
			d.log.Warn("cannot bind receipt to session", zap.String("session", e.Session), zap.Error(err))
		}
	}

	d.hub.broadcast(e)
}

// bind saves into session sid the addresses created by a successful transaction of kind. It returns the addresses
// bound, if any.
func (d *Dapp) bind(sid string, kind manifest.Kind, r gw.Receipt) (map[string]string, error) {
	if sid == "" || kind == "" || r.Status != gw.StatusCommittedSuccess {
		return nil, nil
	}

	b := manifest.Bind(kind, r.ReferencedGlobalEntities)
	if len(b) == 0 {
		return nil, nil
	}

	d.sessions.Lock()
	defer d.sessions.Unlock()

	s, err := d.db.GetSession(sid)
	if err != nil {
		return nil, err
	}

	if s.Addresses == nil {
		s.Addresses = map[string]string{}
	}

	for k, a := range b {
		s.Addresses[k] = a
	}

	s.UpdatedAt = time.Now().UTC()

	return b, d.db.SaveSession(s)
}
