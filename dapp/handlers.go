package dapp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/gateway"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/manifest"
	mtype "github.com/tarancss/dapp/lib/msg/types"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/hd"
)

// maxWait bounds how long a request may wait for a commitment.
const maxWait = poller.DefaultTimeout

// Errors returned to client requests.
var (
	ErrBadRequest = errors.New("bad request")
	ErrChange     = errors.New("invalid change: has to be either 0 / 1 or external / change")
	ErrMissingNet = errors.New("undefined network - missing query: ?net=<network>")
	ErrNoNet      = errors.New("network not available")
	ErrNoAddr     = errors.New("a valid ledger address is required")
	ErrBadTimeout = errors.New("invalid timeout, use a duration such as 30s")
	ErrNoSigner   = errors.New("no HD signer available")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// KeyTypeSecp256k1 is the gateway key type of the keys derived by the HD signer.
const KeyTypeSecp256k1 = "EcdsaSecp256k1"

// SignerKey is a public key as the gateway takes it for notaries and signers, hex encoded in compressed form.
type SignerKey struct {
	KeyType string `json:"key_type"`
	KeyHex  string `json:"key_hex"`
}

// SubmitReq is the body of a transaction submission. Hash is the intent hash of the notarized transaction. Session
// and Kind, when given, let the addresses created by the transaction be bound into the session once committed.
type SubmitReq struct {
	Net       string `json:"net"`
	Notarized string `json:"notarized"` // hex encoded notarized transaction
	Hash      string `json:"intentHash"`
	Session   string `json:"session,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// SubmitRes is replied to a submission. Receipt and Bound are set when the request waited for the commitment.
type SubmitRes struct {
	Hash      string            `json:"intentHash"`
	Duplicate bool              `json:"duplicate"`
	Receipt   *gw.Receipt       `json:"receipt,omitempty"`
	Bound     map[string]string `json:"bound,omitempty"`
}

// statusOf maps the errors of the service to http status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, poller.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, poller.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, poller.ErrQueryFailed):
		return http.StatusBadGateway
	case errors.Is(err, gw.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoNet), errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrDataNotFound),
		errors.Is(err, store.ErrWatchNotFound), errors.Is(err, gw.ErrNoEntity), errors.Is(err, manifest.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, ErrNoSigner):
		return http.StatusServiceUnavailable
	}

	return http.StatusBadRequest
}

// reply writes the response to the requester: body is sent as is when it is a string and JSON encoded otherwise.
// A non nil err replaces the status given.
func (d *Dapp) reply(rw http.ResponseWriter, r *http.Request, status int, body interface{}, err error) {
	var res Response

	if err != nil {
		status = statusOf(err)
		res.Error = err.Error()
	} else {
		switch b := body.(type) {
		case nil:
		case string:
			res.Body = b
		default:
			tmp, errM := json.Marshal(b)
			if errM != nil {
				status, res.Error = http.StatusInternalServerError, errM.Error()
			}

			res.Body = string(tmp)
		}
	}

	d.log.Info("httpreq", zap.String("from", r.RemoteAddr), zap.String("method", r.Method),
		zap.String("uri", r.RequestURI), zap.Int("status", status), zap.Error(err))

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// network returns the gateway of net.
func (d *Dapp) network(net string) (gateway.Gateway, error) {
	if net == "" {
		return nil, ErrMissingNet
	}

	g, ok := d.gw[net]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNet, net)
	}

	return g, nil
}

// waitTimeout parses a wait duration, 0 meaning the configured poller timeout. Longer waits are capped at maxWait.
func waitTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	t, err := time.ParseDuration(s)
	if err != nil || t <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeout, s)
	}

	if t > maxWait {
		t = maxWait
	}

	return t, nil
}

// wait polls the gateway of net until hash is committed and stores the receipt. The wait never outlasts d.max.
func (d *Dapp) wait(ctx context.Context, net string, g gateway.Gateway, hash string, t time.Duration) (gw.Receipt,
	error,
) {
	if t <= 0 {
		t = d.p.Timeout()
	}

	if t <= 0 || t > d.max {
		t = d.max
	}

	r, err := poller.Wait(ctx, d.p.WithTimeout(t), hash, gateway.Committed(g))
	if err != nil {
		return r, err
	}

	if err = d.db.SaveReceipt(net, r); err != nil {
		d.log.Warn("error saving receipt to DB", zap.String("net", net), zap.String("hash", hash), zap.Error(err))
	}

	return r, nil
}

// homeHandler just replies a welcome message to the client.
func (d *Dapp) homeHandler(rw http.ResponseWriter, r *http.Request) {
	d.reply(rw, r, http.StatusOK, "Hello, this is your dapp gateway!", nil)
}

// networksHandler replies the networks available to the dapp.
func (d *Dapp) networksHandler(rw http.ResponseWriter, r *http.Request) {
	pl := make([]string, 0, len(d.gw))
	for net := range d.gw {
		pl = append(pl, net)
	}

	sort.Strings(pl)

	d.reply(rw, r, http.StatusOK, pl, nil)
}

// newSessionHandler opens a session on a network for an optional account.
func (d *Dapp) newSessionHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		req struct {
			Net     string `json:"net"`
			Account string `json:"account"`
		}
		s store.Session
	)

	defer func() { d.reply(rw, r, http.StatusCreated, s, err) }()

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadRequest, err)

		return
	}

	if _, err = d.network(req.Net); err != nil {
		return
	}

	if req.Account != "" && !manifest.ValidAddress(req.Account) {
		err = fmt.Errorf("%w: %q", ErrNoAddr, req.Account)

		return
	}

	s = store.Session{
		ID:        uuid.NewString(),
		Net:       req.Net,
		Account:   req.Account,
		Addresses: map[string]string{},
		UpdatedAt: time.Now().UTC(),
	}

	err = d.db.SaveSession(s)
}

// sessionHandler replies a session or deletes it.
func (d *Dapp) sessionHandler(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.Method == http.MethodDelete {
		d.sessions.Lock()
		err := d.db.DeleteSession(id)
		d.sessions.Unlock()

		d.reply(rw, r, http.StatusOK, nil, err)

		return
	}

	s, err := d.db.GetSession(id)
	d.reply(rw, r, http.StatusOK, s, err)
}

// sessionAddrHandler sets an address of a session by name. The name "account" sets the session account.
func (d *Dapp) sessionAddrHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		req struct {
			Address string `json:"address"`
		}
		s store.Session
	)

	defer func() { d.reply(rw, r, http.StatusOK, s, err) }()

	v := mux.Vars(r)

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadRequest, err)

		return
	}

	if !manifest.ValidAddress(req.Address) {
		err = fmt.Errorf("%w: %q", ErrNoAddr, req.Address)

		return
	}

	d.sessions.Lock()
	defer d.sessions.Unlock()

	if s, err = d.db.GetSession(v["id"]); err != nil {
		return
	}

	if v["name"] == manifest.KeyAccount {
		s.Account = req.Address
	} else {
		if s.Addresses == nil {
			s.Addresses = map[string]string{}
		}

		s.Addresses[v["name"]] = req.Address
	}

	s.UpdatedAt = time.Now().UTC()
	err = d.db.SaveSession(s)
}

// kindsHandler replies the manifest kinds available with their required values.
func (d *Dapp) kindsHandler(rw http.ResponseWriter, r *http.Request) {
	kinds := make(map[manifest.Kind][]string)
	for _, k := range manifest.Kinds() {
		kinds[k] = manifest.Required(k)
	}

	d.reply(rw, r, http.StatusOK, kinds, nil)
}

// manifestHandler renders a manifest from the values posted, completed by the addresses of the session queried. With
// ?preview=true the manifest is also previewed by the gateway of the session network, or of ?net=.
func (d *Dapp) manifestHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err  error
		body interface{}
	)

	defer func() { d.reply(rw, r, http.StatusOK, body, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	posted := manifest.Values{}
	if err = json.NewDecoder(r.Body).Decode(&posted); err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrBadRequest, err)

		return
	}

	v := manifest.Values{}
	net := r.Form.Get("net")

	if sid := r.Form.Get("session"); sid != "" {
		var s store.Session
		if s, err = d.db.GetSession(sid); err != nil {
			return
		}

		for k, a := range s.Values() {
			v[k] = a
		}

		if net == "" {
			net = s.Net
		}
	}

	for k, a := range posted {
		v[k] = a
	}

	var m string
	if m, err = manifest.Render(manifest.Kind(mux.Vars(r)["kind"]), v); err != nil {
		return
	}

	body = m

	if preview, _ := strconv.ParseBool(r.Form.Get("preview")); !preview {
		return
	}

	var g gateway.Gateway
	if g, err = d.network(net); err != nil {
		return
	}

	var p json.RawMessage
	if p, err = g.Preview(r.Context(), m); err != nil {
		return
	}

	body = struct {
		Manifest string          `json:"manifest"`
		Preview  json.RawMessage `json:"preview"`
	}{m, p}
}

// submitHandler submits a notarized transaction to the gateway of its network, then either waits for its
// commitment or asks the watcher to follow it.
func (d *Dapp) submitHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err    error
		req    SubmitReq
		res    SubmitRes
		status = http.StatusAccepted
	)

	defer func() { d.reply(rw, r, status, res, err) }()

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadRequest, err)

		return
	}

	if req.Net == "" && req.Session != "" {
		var s store.Session
		if s, err = d.db.GetSession(req.Session); err != nil {
			return
		}

		req.Net = s.Net
	}

	var g gateway.Gateway
	if g, err = d.network(req.Net); err != nil {
		return
	}

	if err = gw.CheckIntentHash(req.Hash); err != nil {
		return
	}

	var t time.Duration
	if t, err = waitTimeout(req.Timeout); err != nil {
		return
	}

	var sub gw.SubmitResult
	if sub, err = g.Submit(r.Context(), req.Notarized); err != nil {
		return
	}

	res.Hash, res.Duplicate = req.Hash, sub.Duplicate

	if !req.Wait {
		err = d.mb.SendRequest(req.Net, mtype.WatchReq{
			Net: req.Net, Hash: req.Hash, Session: req.Session, Kind: req.Kind, Act: mtype.WATCH,
		})

		return
	}

	var rec gw.Receipt
	if rec, err = d.wait(r.Context(), req.Net, g, req.Hash, t); err != nil {
		return
	}

	status, res.Receipt = http.StatusOK, &rec

	var errB error
	if res.Bound, errB = d.bind(req.Session, manifest.Kind(req.Kind), rec); errB != nil {
		d.log.Warn("cannot bind receipt to session", zap.String("session", req.Session), zap.Error(errB))
	}
}

// txHandler replies the commitment receipt of an intent for the network queried. A stored receipt is replied
// straight away; otherwise the gateway is polled until the intent is committed or ?timeout= elapses.
func (d *Dapp) txHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		rec gw.Receipt
	)

	defer func() { d.reply(rw, r, http.StatusOK, rec, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	hash := mux.Vars(r)["hash"]
	if err = gw.CheckIntentHash(hash); err != nil {
		return
	}

	net := r.Form.Get("net")

	var g gateway.Gateway
	if g, err = d.network(net); err != nil {
		return
	}

	var t time.Duration
	if t, err = waitTimeout(r.Form.Get("timeout")); err != nil {
		return
	}

	if rec, err = d.db.GetReceipt(net, hash); err == nil {
		return
	}

	if !errors.Is(err, store.ErrDataNotFound) {
		d.log.Warn("error reading receipt from DB", zap.String("net", net), zap.Error(err))
	}

	rec, err = d.wait(r.Context(), net, g, hash, t)
}

// txStatusHandler replies the status of an intent as reported by the gateway.
func (d *Dapp) txStatusHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		res struct {
			Hash   string      `json:"intentHash"`
			Status gw.TxStatus `json:"status"`
		}
	)

	defer func() { d.reply(rw, r, http.StatusOK, res, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	res.Hash = mux.Vars(r)["hash"]
	if err = gw.CheckIntentHash(res.Hash); err != nil {
		return
	}

	var g gateway.Gateway
	if g, err = d.network(r.Form.Get("net")); err != nil {
		return
	}

	res.Status, err = g.Status(r.Context(), res.Hash)
}

// watchHandler sends a watch request message to the broker to start or stop following an intent. A request
// accepted status will be replied or an error otherwise.
func (d *Dapp) watchHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	hash := mux.Vars(r)["hash"]

	defer func() { d.reply(rw, r, http.StatusAccepted, hash, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	if err = gw.CheckIntentHash(hash); err != nil {
		return
	}

	nets, ok := r.Form["net"]
	if !ok || len(nets) != 1 { // we only allow 1 net per request
		err = ErrMissingNet

		return
	}

	if _, err = d.network(nets[0]); err != nil {
		return
	}

	wr := mtype.WatchReq{Net: nets[0], Hash: hash, Session: r.Form.Get("session"), Kind: r.Form.Get("kind"),
		Act: mtype.WATCH}
	if r.Method == http.MethodDelete {
		wr.Act = mtype.UNWATCH
	}

	err = d.mb.SendRequest(nets[0], wr)
}

// getWatchesHandler replies the client with the intents being watched for the specified network. If no network is
// queried, watches from all the networks are returned.
func (d *Dapp) getWatchesHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err     error
		watches []store.ListenedWatches
	)

	defer func() { d.reply(rw, r, http.StatusOK, watches, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	nets, ok := r.Form["net"]
	if ok && len(nets) != 1 { // we only allow 1 net per request
		err = ErrBadRequest

		return
	}

	watches, err = d.db.GetWatches(nets)
}

// entityHandler replies the state of a ledger entity for the network queried.
func (d *Dapp) entityHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		e   gw.Entity
	)

	defer func() { d.reply(rw, r, http.StatusOK, e, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	address := mux.Vars(r)["address"]
	if !manifest.ValidAddress(address) {
		err = fmt.Errorf("%w: %q", ErrNoAddr, address)

		return
	}

	var g gateway.Gateway
	if g, err = d.network(r.Form.Get("net")); err != nil {
		return
	}

	e, err = g.EntityDetails(r.Context(), address)
}

// signerHandler replies the HD derived public key requested to the client, usable as the notary or a signer of a
// transaction. The query must contain wallet, change and id.
func (d *Dapp) signerHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		key []byte
	)

	defer func() {
		var body interface{}
		if err == nil {
			body = SignerKey{KeyType: KeyTypeSecp256k1, KeyHex: hex.EncodeToString(key)}
		}

		d.reply(rw, r, http.StatusOK, body, err)
	}()

	if d.hd == nil {
		err = ErrNoSigner

		return
	}

	if err = r.ParseForm(); err != nil {
		return
	}

	var wallet, id uint64

	var change uint8

	if !r.Form.Has("wallet") || !r.Form.Has("change") || !r.Form.Has("id") {
		err = ErrBadRequest

		return
	}

	if wallet, err = strconv.ParseUint(r.Form.Get("wallet"), 0, 32); err != nil {
		err = fmt.Errorf("%w: wallet: %w", ErrBadRequest, err)

		return
	}

	switch r.Form.Get("change") {
	case "0", "external":
		change = hd.External
	case "1", "change":
		change = hd.Change
	default:
		err = ErrChange

		return
	}

	if id, err = strconv.ParseUint(r.Form.Get("id"), 0, 32); err != nil {
		err = fmt.Errorf("%w: id: %w", ErrBadRequest, err)

		return
	}

	var priv []byte
	if _, priv, _, err = d.hd.Address(uint32(wallet), change, uint32(id)); err != nil {
		d.log.Warn("error deriving HD signer key", zap.Uint64("wallet", wallet), zap.Uint8("change", change),
			zap.Uint64("id", id), zap.Error(err))

		return
	}

	_, pub := btcec.PrivKeyFromBytes(priv)
	key = pub.SerializeCompressed()
}
