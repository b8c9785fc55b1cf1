package dapp

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway"
	"github.com/tarancss/dapp/lib/gateway/mock"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/manifest"
	"github.com/tarancss/dapp/lib/msg/memory"
	mtype "github.com/tarancss/dapp/lib/msg/types"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/dapp/lib/store/leveldb"
	"github.com/tarancss/hd"
)

const (
	net       = "stokenet"
	hash      = "0x2ba030485e79b5a98275b45d940e6fdd07b40dea593ef3b2a69b0a02a68a5872"
	account   = "account_tdx_2_12yf9gd53yfep7a669fv2t3wm7nz9zeezwd04n02a433ker8vza6rhe"
	pkg       = "package_tdx_2_1p4r7fgn3lk2mw9vwgwlxla7gmc8jmsxjnxgslzz9v8pwy3dv4xqy5e"
	resourceA = "resource_tdx_2_1t4kep9ldg9t0cszj78z6fcr2zvfxfq7muetq7pyvhdtctwxum90scq"
	resourceB = "resource_tdx_2_1thnhmen4wg29tnm4qlzj8u2uds9ep8lddzkkkpz5k5xk0ckvqpy3s8"
	component = "component_tdx_2_1cpd4j4qmfdydv2l8vnllxtpnrv3vh9xmmmyqf0mvdqgqt2mwnmrv9s"
	poolUnit  = "resource_tdx_2_1t5l0m3ntvaa4fafegxfnjyf8s3w7x9adcjzsh5k6pm6x0wsf7y9yyr"
)

type fixture struct {
	d   *Dapp
	g   *mock.Gateway
	db  *leveldb.LevelDB
	mb  *memory.Memory
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := leveldb.New(t.TempDir())
	require.NoError(t, err)

	seed, err := hex.DecodeString(config.SeedDefault)
	require.NoError(t, err)

	hdw, err := hd.Init(seed)
	require.NoError(t, err)

	f := &fixture{g: mock.New(2), db: db, mb: memory.New()}
	p := poller.New(config.PollConfig{
		Interval: config.Duration(5 * time.Millisecond),
		Timeout:  config.Duration(time.Second),
	})
	f.d = New(db, f.mb, map[string]gateway.Gateway{net: f.g}, p, hdw, zap.NewNop())
	f.srv = httptest.NewServer(f.d.Router())

	t.Cleanup(func() {
		f.d.Stop()
		f.srv.Close()
		_ = f.mb.Close()
		_ = db.CloseLevelDB()
	})

	return f
}

// call places a http request on the test server. obj is JSON encoded as the request body unless nil. Returns the
// status code and the JSON response.
func (f *fixture) call(t *testing.T, method, uri string, obj interface{}) (int, Response) {
	t.Helper()

	var body bytes.Buffer
	if obj != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(obj))
	}

	req, err := http.NewRequest(method, f.srv.URL+uri, &body)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res Response
	_ = json.NewDecoder(resp.Body).Decode(&res) // 405 replies are not JSON

	return resp.StatusCode, res
}

func (f *fixture) session(t *testing.T) store.Session {
	t.Helper()

	status, res := f.call(t, http.MethodPost, "/session", map[string]string{"net": net, "account": account})
	require.Equal(t, http.StatusCreated, status, res.Error)

	var s store.Session
	require.NoError(t, json.Unmarshal([]byte(res.Body), &s))

	return s
}

func TestAPI(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name, method, uri string      // case name, http method to use and uri
		obj               interface{} // object for POST, PUT, DELETE
		status            int         // http status code
		errExp            string      // error expected
		resExp            string      // body result expected, if not empty
	}{
		{"home_1", http.MethodGet, "/", nil, http.StatusOK, "", "Hello, this is your dapp gateway!"},
		{"home_2", http.MethodPost, "/", nil, http.StatusOK, "", "Hello, this is your dapp gateway!"},
		{"networks_0", http.MethodPost, "/networks", nil, http.StatusMethodNotAllowed, "", ""},
		{"networks_1", http.MethodGet, "/networks", nil, http.StatusOK, "", `["stokenet"]`},
		{"signer_0", http.MethodGet, "/signer?wallet=2&change=external&id=1", nil, http.StatusOK, "", ""},
		{"signer_1", http.MethodPost, "/signer?wallet=2&change=external&id=1", nil, http.StatusMethodNotAllowed, "", ""},
		{"signer_2", http.MethodGet, "/signer?wallet=2&id=1", nil, http.StatusBadRequest, ErrBadRequest.Error(), ""},
		{"signer_3", http.MethodGet, "/signer?wallet=2&change=7&id=1", nil, http.StatusBadRequest, ErrChange.Error(), ""},
		{"session_0", http.MethodPost, "/session", map[string]string{"net": "mainnet"}, http.StatusNotFound,
			"network not available: mainnet", ""},
		{"session_1", http.MethodPost, "/session", map[string]string{"net": net, "account": "0x12"},
			http.StatusBadRequest, `a valid ledger address is required: "0x12"`, ""},
		{"session_2", http.MethodGet, "/session/nope", nil, http.StatusNotFound, store.ErrSessionNotFound.Error(), ""},
		{"tx_0", http.MethodPut, "/tx/" + hash, nil, http.StatusMethodNotAllowed, "", ""},
		{"tx_1", http.MethodGet, "/tx/0x123", nil, http.StatusBadRequest, gw.ErrBadIntentHash.Error(), ""},
		{"tx_2", http.MethodGet, "/tx/" + hash, nil, http.StatusBadRequest, ErrMissingNet.Error(), ""},
		{"tx_3", http.MethodGet, "/tx/" + hash + "?net=mainnet", nil, http.StatusNotFound,
			"network not available: mainnet", ""},
		{"tx_4", http.MethodGet, "/tx/" + hash + "?net=stokenet&timeout=soon", nil, http.StatusBadRequest,
			`invalid timeout, use a duration such as 30s: "soon"`, ""},
		{"watch_0", http.MethodGet, "/watch/" + hash + "?net=stokenet", nil, http.StatusMethodNotAllowed, "", ""},
		{"watch_1", http.MethodPost, "/watch/" + hash, nil, http.StatusBadRequest, ErrMissingNet.Error(), ""},
		{"watch_2", http.MethodPost, "/watch/" + hash + "?net=stokenet&net=mainnet", nil, http.StatusBadRequest,
			ErrMissingNet.Error(), ""},
		{"watches_0", http.MethodGet, "/watch", nil, http.StatusOK, "", "[]"},
		{"watches_1", http.MethodGet, "/watch?net=stokenet&net=mainnet", nil, http.StatusBadRequest,
			ErrBadRequest.Error(), ""},
		{"entity_0", http.MethodGet, "/entity/0x1234?net=stokenet", nil, http.StatusBadRequest,
			`a valid ledger address is required: "0x1234"`, ""},
		{"entity_1", http.MethodGet, "/entity/" + component + "?net=stokenet", nil, http.StatusNotFound,
			gw.ErrNoEntity.Error(), ""},
		{"manifest_0", http.MethodPost, "/manifest/mint", nil, http.StatusNotFound, `unknown manifest kind: "mint"`, ""},
		{"manifest_1", http.MethodPost, "/manifest/swap", manifest.Values{manifest.KeyAccount: account},
			http.StatusBadRequest, "missing manifest value: component", ""},
		{"submit_0", http.MethodPost, "/submit", SubmitReq{Net: net, Notarized: "0a0b"}, http.StatusBadRequest,
			gw.ErrNoIntentHash.Error(), ""},
		{"submit_1", http.MethodPost, "/submit", SubmitReq{Net: net, Hash: hash}, http.StatusBadRequest,
			gw.ErrNoPayload.Error(), ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, res := f.call(t, c.method, c.uri, c.obj)
			assert.Equal(t, c.status, status)
			assert.Equal(t, c.errExp, res.Error)

			if c.resExp != "" {
				assert.Equal(t, c.resExp, res.Body)
			}
		})
	}
}

func TestSigner(t *testing.T) {
	f := newFixture(t)

	key := func(uri string) SignerKey {
		status, res := f.call(t, http.MethodGet, uri, nil)
		require.Equal(t, http.StatusOK, status, res.Error)

		var k SignerKey
		require.NoError(t, json.Unmarshal([]byte(res.Body), &k))

		return k
	}

	k := key("/signer?wallet=2&change=external&id=1")
	assert.Equal(t, KeyTypeSecp256k1, k.KeyType)

	pub, err := hex.DecodeString(k.KeyHex)
	require.NoError(t, err)
	require.Len(t, pub, 33)
	assert.Contains(t, []byte{0x02, 0x03}, pub[0])

	// the key is the public half of the derived private key
	_, priv, _, err := f.d.hd.Address(2, hd.External, 1)
	require.NoError(t, err)

	_, derived := btcec.PrivKeyFromBytes(priv)
	assert.Equal(t, derived.SerializeCompressed(), pub)

	_, err = btcec.ParsePubKey(pub)
	require.NoError(t, err)

	// same path, same key; another index or branch, another key
	assert.Equal(t, k, key("/signer?wallet=2&change=0&id=1"))
	assert.NotEqual(t, k.KeyHex, key("/signer?wallet=2&change=external&id=2").KeyHex)
	assert.NotEqual(t, k.KeyHex, key("/signer?wallet=2&change=change&id=1").KeyHex)

	f.d.hd = nil
	status, res := f.call(t, http.MethodGet, "/signer?wallet=2&change=external&id=1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, ErrNoSigner.Error(), res.Error)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{poller.ErrTimeout, http.StatusGatewayTimeout},
		{poller.ErrCancelled, http.StatusRequestTimeout},
		{&poller.QueryError{ID: hash, Attempt: 1, Err: gw.ErrTransient}, http.StatusBadGateway},
		{gw.ErrTransient, http.StatusServiceUnavailable},
		{store.ErrDataNotFound, http.StatusNotFound},
		{ErrNoSigner, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusBadRequest},
	}

	for _, c := range cases {
		assert.Equal(t, c.status, statusOf(c.err), c.err.Error())
	}
}

func TestSession(t *testing.T) {
	f := newFixture(t)

	s := f.session(t)
	assert.Equal(t, net, s.Net)
	assert.Equal(t, account, s.Account)
	assert.NotEmpty(t, s.ID)

	for name, addr := range map[string]string{manifest.KeyResourceA: resourceA, manifest.KeyResourceB: resourceB} {
		status, res := f.call(t, http.MethodPut, "/session/"+s.ID+"/address/"+name, map[string]string{"address": addr})
		require.Equal(t, http.StatusOK, status, res.Error)
	}

	status, res := f.call(t, http.MethodPut, "/session/"+s.ID+"/address/component", map[string]string{"address": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, res.Error, ErrNoAddr.Error())

	// the session fills in the addresses of the manifest
	status, res = f.call(t, http.MethodPost, "/manifest/instantiate?session="+s.ID,
		manifest.Values{manifest.KeyPackage: pkg})
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.Contains(t, res.Body, pkg)
	assert.Contains(t, res.Body, resourceA)
	assert.Contains(t, res.Body, resourceB)
	assert.Contains(t, res.Body, account)

	status, res = f.call(t, http.MethodGet, "/session/"+s.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var got store.Session
	require.NoError(t, json.Unmarshal([]byte(res.Body), &got))
	assert.Equal(t, map[string]string{manifest.KeyResourceA: resourceA, manifest.KeyResourceB: resourceB},
		got.Addresses)

	status, _ = f.call(t, http.MethodDelete, "/session/"+s.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.call(t, http.MethodGet, "/session/"+s.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGumballMachine(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	status, res := f.call(t, http.MethodPost, "/manifest/instantiate_gumball_machine?session="+s.ID,
		manifest.Values{manifest.KeyPackage: pkg, manifest.KeyPrice: "5", manifest.KeyFlavor: "GUM"})
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.Contains(t, res.Body, `"instantiate_gumball_machine"`)
	assert.Contains(t, res.Body, account)

	// the machine and its gumball resource are bound once committed
	r := gw.Receipt{IntentHash: hash, Status: gw.StatusCommittedSuccess,
		ReferencedGlobalEntities: []string{component, resourceA}}
	f.d.onEvent(mtype.CommitEvent{
		Net: net, Hash: hash, Session: s.ID, Kind: string(manifest.InstantiateGumballMachine),
		Outcome: poller.OutcomeCommitted, Status: r.Status, Receipt: &r,
	})

	got, err := f.db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{manifest.KeyComponent: component, manifest.KeyGumball: resourceA}, got.Addresses)

	status, res = f.call(t, http.MethodPost, "/manifest/buy_gumball?session="+s.ID,
		manifest.Values{manifest.KeyXRD: resourceB, manifest.KeyAmount: "10"})
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.Contains(t, res.Body, component)
	assert.Contains(t, res.Body, `"buy_gumball"`)
	assert.Contains(t, res.Body, resourceB)
	assert.NotContains(t, res.Body, resourceA)
}

func TestManifestKindsAndPreview(t *testing.T) {
	f := newFixture(t)

	status, res := f.call(t, http.MethodGet, "/manifest", nil)
	require.Equal(t, http.StatusOK, status)

	var kinds map[string][]string
	require.NoError(t, json.Unmarshal([]byte(res.Body), &kinds))
	assert.Len(t, kinds, len(manifest.Kinds()))
	assert.Contains(t, kinds["swap"], manifest.KeyComponent)
	assert.Equal(t, []string{manifest.KeyAccount, manifest.KeyComponent, manifest.KeyXRD, manifest.KeyAmount},
		kinds["buy_gumball"])
	assert.Contains(t, kinds, "instantiate_gumball_machine")

	status, res = f.call(t, http.MethodPost, "/manifest/swap?net=stokenet&preview=true", manifest.Values{
		manifest.KeyAccount: account, manifest.KeyComponent: component, manifest.KeyResource: resourceA,
		manifest.KeyAmount: "10",
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	var p struct {
		Manifest string          `json:"manifest"`
		Preview  json.RawMessage `json:"preview"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Body), &p))
	assert.Contains(t, p.Manifest, component)
	assert.JSONEq(t, `{"receipt":{"status":"Succeeded"}}`, string(p.Preview))
	assert.Equal(t, []string{p.Manifest}, f.g.Previewed())
}

func TestTx(t *testing.T) {
	f := newFixture(t)
	f.g.Commit(hash, 2, gw.Receipt{StateVersion: 42})

	status, res := f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet", nil)
	require.Equal(t, http.StatusOK, status, res.Error)

	var r gw.Receipt
	require.NoError(t, json.Unmarshal([]byte(res.Body), &r))
	assert.Equal(t, hash, r.IntentHash)
	assert.Equal(t, gw.StatusCommittedSuccess, r.Status)
	assert.Equal(t, int64(42), r.StateVersion)
	assert.Equal(t, 3, f.g.Calls(hash))

	// served from the store afterwards
	status, _ = f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, f.g.Calls(hash))

	stored, err := f.db.GetReceipt(net, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.StateVersion)

	status, res = f.call(t, http.MethodGet, "/tx/"+hash+"/status?net=stokenet", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"intentHash":"`+hash+`","status":"CommittedSuccess"}`, res.Body)
}

func TestTxTimeout(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	status, res := f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet&timeout=50ms", nil)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Contains(t, res.Error, poller.ErrTimeout.Error())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTxWaitIsBounded(t *testing.T) {
	f := newFixture(t)
	f.d.max = 50 * time.Millisecond

	every := config.Duration(5 * time.Millisecond)

	for name, p := range map[string]*poller.Poller{
		"long timeout":  poller.New(config.PollConfig{Interval: every, Timeout: config.Duration(time.Hour)}),
		"attempts only": poller.New(config.PollConfig{Interval: every, MaxAttempts: 1 << 20}),
	} {
		t.Run(name, func(t *testing.T) {
			f.d.p = p

			start := time.Now()
			status, res := f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet", nil)
			assert.Equal(t, http.StatusGatewayTimeout, status)
			assert.Contains(t, res.Error, poller.ErrTimeout.Error())
			assert.Less(t, time.Since(start), time.Second)

			// an explicit timeout is capped too
			status, _ = f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet&timeout=1h", nil)
			assert.Equal(t, http.StatusGatewayTimeout, status)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestTxQueryFailed(t *testing.T) {
	f := newFixture(t)
	f.g.Fail(hash, &gw.APIError{StatusCode: 400, Message: "bad intent", Type: "InvalidRequestError"})

	status, res := f.call(t, http.MethodGet, "/tx/"+hash+"?net=stokenet", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, res.Error, "InvalidRequestError")
	assert.Equal(t, 1, f.g.Calls(hash))
}

func TestTxCancelled(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/tx/"+hash+"?net=stokenet", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	time.AfterFunc(20*time.Millisecond, cancel)
	f.d.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), poller.ErrCancelled.Error())
}

func TestSubmitWait(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	f.g.Commit(hash, 1, gw.Receipt{ReferencedGlobalEntities: []string{component, resourceA, poolUnit}})

	status, res := f.call(t, http.MethodPost, "/submit", SubmitReq{
		Notarized: "0a0b", Hash: hash, Session: s.ID, Kind: string(manifest.Instantiate), Wait: true,
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	var sr SubmitRes
	require.NoError(t, json.Unmarshal([]byte(res.Body), &sr))
	assert.Equal(t, hash, sr.Hash)
	assert.False(t, sr.Duplicate)
	require.NotNil(t, sr.Receipt)
	assert.Equal(t, gw.StatusCommittedSuccess, sr.Receipt.Status)
	assert.Equal(t, map[string]string{manifest.KeyComponent: component, manifest.KeyPoolUnit: poolUnit}, sr.Bound)
	assert.Equal(t, []string{"0a0b"}, f.g.Submitted())

	got, err := f.db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, component, got.Addresses[manifest.KeyComponent])
	assert.Equal(t, poolUnit, got.Addresses[manifest.KeyPoolUnit])

	// submitting the same transaction again is reported as duplicate
	status, res = f.call(t, http.MethodPost, "/submit", SubmitReq{Net: net, Notarized: "0a0b", Hash: hash, Wait: true})
	require.Equal(t, http.StatusOK, status, res.Error)
	require.NoError(t, json.Unmarshal([]byte(res.Body), &sr))
	assert.True(t, sr.Duplicate)
}

func TestSubmitWatch(t *testing.T) {
	f := newFixture(t)

	mut := new(sync.Mutex)
	mut.Lock()

	reqs, _, err := f.mb.GetReqs(net, mut)
	require.NoError(t, err)

	status, res := f.call(t, http.MethodPost, "/submit", SubmitReq{
		Net: net, Notarized: "0a0b", Hash: hash, Session: "s1", Kind: string(manifest.CreateResources),
	})
	require.Equal(t, http.StatusAccepted, status, res.Error)

	select {
	case wr := <-reqs:
		assert.Equal(t, mtype.WatchReq{Net: net, Hash: hash, Session: "s1", Kind: "create_resources",
			Act: mtype.WATCH}, wr)
	case <-time.After(time.Second):
		t.Fatal("no watch request")
	}

	mut.Unlock()
	assert.Zero(t, f.g.Calls(hash))
}

func TestWatch(t *testing.T) {
	f := newFixture(t)

	mut := new(sync.Mutex)
	mut.Lock()

	reqs, _, err := f.mb.GetReqs(net, mut)
	require.NoError(t, err)

	for _, c := range []struct {
		method string
		act    int
	}{{http.MethodPost, mtype.WATCH}, {http.MethodDelete, mtype.UNWATCH}} {
		status, res := f.call(t, c.method, "/watch/"+hash+"?net=stokenet&session=s1", nil)
		require.Equal(t, http.StatusAccepted, status, res.Error)
		assert.Equal(t, hash, res.Body)

		select {
		case wr := <-reqs:
			assert.Equal(t, c.act, wr.Act)
			assert.Equal(t, "s1", wr.Session)
		case <-time.After(time.Second):
			t.Fatal("no watch request")
		}

		mut.Unlock()
	}

	_, err = f.db.AddWatch(store.Watch{Hash: hash}, net)
	require.NoError(t, err)

	status, res := f.call(t, http.MethodGet, "/watch?net=stokenet", nil)
	require.Equal(t, http.StatusOK, status)

	var lw []store.ListenedWatches
	require.NoError(t, json.Unmarshal([]byte(res.Body), &lw))
	require.Len(t, lw, 1)
	assert.Equal(t, hash, lw[0].Watches[0].Hash)
}

func TestEntity(t *testing.T) {
	f := newFixture(t)
	f.g.AddEntity(gw.Entity{Address: component, Type: "Component", Metadata: map[string]string{"name": "Radiswap"}})

	status, res := f.call(t, http.MethodGet, "/entity/"+component+"?net=stokenet", nil)
	require.Equal(t, http.StatusOK, status, res.Error)

	var e gw.Entity
	require.NoError(t, json.Unmarshal([]byte(res.Body), &e))
	assert.Equal(t, "Radiswap", e.Metadata["name"])
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	require.NoError(t, f.d.ManageEvents())

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/events?net=stokenet",
		nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	other, resp2, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+
		"/events?session=someone-else", nil)
	require.NoError(t, err)
	defer other.Close()
	defer resp2.Body.Close()

	assert.Eventually(t, func() bool { return f.d.hub.count() == 2 }, time.Second, 5*time.Millisecond)

	r := gw.Receipt{IntentHash: hash, Status: gw.StatusCommittedSuccess, ReferencedGlobalEntities: []string{resourceA}}
	require.NoError(t, f.mb.SendEvent(net, mtype.CommitEvent{
		Net: net, Hash: hash, Session: s.ID, Kind: string(manifest.CreateResources),
		Outcome: poller.OutcomeCommitted, Status: r.Status, Receipt: &r, Time: time.Now().UTC(),
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var e mtype.CommitEvent
	require.NoError(t, ws.ReadJSON(&e))
	assert.Equal(t, hash, e.Hash)
	assert.Equal(t, poller.OutcomeCommitted, e.Outcome)

	// the event was bound into its session before being pushed
	got, err := f.db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, resourceA, got.Addresses[manifest.KeyResourceA])

	// clients of other sessions are not sent it
	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)

	status, _ := f.call(t, http.MethodGet, "/events?net=mainnet", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventsSlowClient(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"

	ws, resp, err := websocket.DefaultDialer.Dial(url+"?net=stokenet", nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	idle, resp2, err := websocket.DefaultDialer.Dial(url+"?session=nobody", nil)
	require.NoError(t, err)
	defer idle.Close()
	defer resp2.Body.Close()

	assert.Eventually(t, func() bool { return f.d.hub.count() == 2 }, time.Second, 5*time.Millisecond)

	// a client whose queue is never drained
	stalled := &client{ws: idle, net: net, tx: make(chan []byte, wsQueue), done: make(chan struct{})}
	f.d.hub.register(stalled)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 3*wsQueue; i++ {
			f.d.onEvent(mtype.CommitEvent{Net: net, Hash: fmt.Sprintf("0x%064x", i), Outcome: poller.OutcomeTimeout})

			var e mtype.CommitEvent
			if !assert.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second))) ||
				!assert.NoError(t, ws.ReadJSON(&e)) {
				return
			}

			assert.Equal(t, fmt.Sprintf("0x%064x", i), e.Hash)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events were not delivered")
	}

	// the stalled client kept the first events and missed the rest
	assert.Len(t, stalled.tx, wsQueue)

	var e mtype.CommitEvent
	require.NoError(t, json.Unmarshal(<-stalled.tx, &e))
	assert.Equal(t, fmt.Sprintf("0x%064x", 0), e.Hash)
}
