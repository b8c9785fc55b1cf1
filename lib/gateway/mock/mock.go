// Package mock implements an in-memory gateway for tests. Intents are committed after a scripted number of not
// found replies.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tarancss/dapp/lib/gateway/types"
)

// Gateway is an in-memory gateway.
type Gateway struct {
	ID    uint8
	Epoch uint64

	mu        sync.Mutex
	pending   map[string]int
	receipts  map[string]types.Receipt
	errs      map[string]error
	calls     map[string]int
	entities  map[string]types.Entity
	submitted []string
	previewed []string
	closed    bool
}

// New returns an empty gateway for network id.
func New(id uint8) *Gateway {
	return &Gateway{
		ID:       id,
		Epoch:    1,
		pending:  make(map[string]int),
		receipts: make(map[string]types.Receipt),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
		entities: make(map[string]types.Entity),
	}
}

// Commit makes the intent hash return r after replying not found `after` times.
func (g *Gateway) Commit(hash string, after int, r types.Receipt) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r.IntentHash == "" {
		r.IntentHash = hash
	}

	if r.Status == "" {
		r.Status = types.StatusCommittedSuccess
	}

	if r.Raw == nil {
		r.Raw, _ = json.Marshal(map[string]interface{}{"transaction": map[string]interface{}{
			"intent_hash": hash, "transaction_status": r.Status,
		}})
	}

	g.pending[hash] = after
	g.receipts[hash] = r
}

// Fail makes every query for hash return err.
func (g *Gateway) Fail(hash string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.errs[hash] = err
}

// AddEntity stores an entity returned by EntityDetails.
func (g *Gateway) AddEntity(e types.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entities[e.Address] = e
}

// Calls returns the number of committed details queries received for hash.
func (g *Gateway) Calls(hash string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.calls[hash]
}

// Submitted returns the notarized transactions received.
func (g *Gateway) Submitted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.submitted...)
}

// Previewed returns the manifests previewed.
func (g *Gateway) Previewed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.previewed...)
}

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.closed
}

// NetworkID implements gateway.Gateway.
func (g *Gateway) NetworkID() uint8 { return g.ID }

// Close implements gateway.Gateway.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func notFound(hash string) error {
	return fmt.Errorf("%w: %w", types.ErrNotFound,
		&types.APIError{StatusCode: 404, Message: "intent " + hash + " not found", Type: "TransactionNotFoundError"})
}

// CommittedDetails implements gateway.Gateway.
func (g *Gateway) CommittedDetails(ctx context.Context, hash string) (types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return types.Receipt{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[hash]++

	if err, ok := g.errs[hash]; ok {
		return types.Receipt{}, err
	}

	r, ok := g.receipts[hash]
	if !ok {
		return types.Receipt{}, notFound(hash)
	}

	if g.pending[hash] > 0 {
		g.pending[hash]--

		return types.Receipt{}, notFound(hash)
	}

	return r, nil
}

// Status implements gateway.Gateway.
func (g *Gateway) Status(ctx context.Context, hash string) (types.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.errs[hash]; ok {
		return types.StatusUnknown, err
	}

	r, ok := g.receipts[hash]
	switch {
	case !ok:
		return types.StatusUnknown, nil
	case g.pending[hash] > 0:
		return types.StatusPending, nil
	}

	return r.Status, nil
}

// Submit implements gateway.Gateway.
func (g *Gateway) Submit(ctx context.Context, notarizedHex string) (types.SubmitResult, error) {
	if notarizedHex == "" {
		return types.SubmitResult{}, types.ErrNoPayload
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.submitted {
		if s == notarizedHex {
			return types.SubmitResult{Duplicate: true}, nil
		}
	}

	g.submitted = append(g.submitted, notarizedHex)

	return types.SubmitResult{}, nil
}

// EntityDetails implements gateway.Gateway.
func (g *Gateway) EntityDetails(ctx context.Context, address string) (types.Entity, error) {
	if address == "" {
		return types.Entity{}, types.ErrNoAddress
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[address]
	if !ok {
		return e, types.ErrNoEntity
	}

	return e, nil
}

// CurrentEpoch implements gateway.Gateway.
func (g *Gateway) CurrentEpoch(ctx context.Context) (uint64, error) {
	return g.Epoch, nil
}

// Preview implements gateway.Gateway.
func (g *Gateway) Preview(ctx context.Context, manifest string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.previewed = append(g.previewed, manifest)

	return json.RawMessage(`{"receipt":{"status":"Succeeded"}}`), nil
}
