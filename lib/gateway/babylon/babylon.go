// Package babylon implements the gateway interface for the Radix Babylon gateway HTTP API.
package babylon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/tarancss/dapp/lib/gateway/types"
)

// Gateway API paths.
const (
	pathCommittedDetails = "/transaction/committed-details"
	pathStatus           = "/transaction/status"
	pathSubmit           = "/transaction/submit"
	pathPreview          = "/transaction/preview"
	pathEntityDetails    = "/state/entity/details"
	pathGatewayStatus    = "/status/gateway-status"
)

// notFoundType is the gateway error kind returned for intents it has not committed (yet).
const notFoundType = "TransactionNotFoundError"

const requestTimeout = 15 * time.Second

// Babylon implements a connection to a Babylon gateway.
type Babylon struct {
	node   string
	user   string
	pass   string
	netID  uint8
	legacy bool
	hc     *http.Client
}

// Init returns a client for the gateway at node, using secret ("user:password") for Basic Authentication if
// informed. Legacy gateways are queried with the intent_hash_hex request shape.
func Init(node, secret string, networkID uint8, legacy bool) (*Babylon, error) {
	if !strings.HasPrefix(node, "http://") && !strings.HasPrefix(node, "https://") {
		return nil, fmt.Errorf("cannot connect to gateway in %q: url must be http(s)", node)
	}

	b := &Babylon{
		node:   strings.TrimSuffix(node, "/"),
		netID:  networkID,
		legacy: legacy,
		hc:     &http.Client{Timeout: requestTimeout},
	}

	if secret != "" {
		b.user, b.pass, _ = strings.Cut(secret, ":")
	}

	return b, nil
}

// NetworkID returns the ledger network id served by the gateway.
func (b *Babylon) NetworkID() uint8 {
	return b.netID
}

// Close ends a connection
func (b *Babylon) Close() {
	b.hc.CloseIdleConnections()
}

// intentRequest builds the request body identifying an intent for the gateway API version in use.
func (b *Babylon) intentRequest(intentHash string) map[string]interface{} {
	if b.legacy {
		return map[string]interface{}{"intent_hash_hex": strings.TrimPrefix(intentHash, "0x")}
	}

	return map[string]interface{}{"intent_hash": intentHash}
}

type ledgerState struct {
	StateVersion int64  `json:"state_version"`
	Epoch        uint64 `json:"epoch"`
}

type committedTx struct {
	TransactionStatus      types.TxStatus `json:"transaction_status"`
	StateVersion           int64          `json:"state_version"`
	Epoch                  uint64         `json:"epoch"`
	IntentHash             string         `json:"intent_hash"`
	IntentHashHex          string         `json:"intent_hash_hex"`
	ConfirmedAt            *time.Time     `json:"confirmed_at"`
	AffectedGlobalEntities []string       `json:"affected_global_entities"`
}

type committedDetails struct {
	LedgerState ledgerState `json:"ledger_state"`
	Transaction committedTx `json:"transaction"`
	Details     struct {
		ReferencedGlobalEntities []string `json:"referenced_global_entities"`
	} `json:"details"`
}

// CommittedDetails returns the committed receipt of the intent. types.ErrNotFound is returned while the gateway
// does not know the intent as committed.
func (b *Babylon) CommittedDetails(ctx context.Context, intentHash string) (r types.Receipt, err error) {
	if err = types.CheckIntentHash(intentHash); err != nil {
		return
	}

	var raw json.RawMessage
	if err = b.post(ctx, pathCommittedDetails, b.intentRequest(intentHash), &raw); err != nil {
		return
	}

	var cd committedDetails
	if err = json.Unmarshal(raw, &cd); err != nil {
		return r, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}

	r = types.Receipt{
		IntentHash:               intentHash,
		Status:                   cd.Transaction.TransactionStatus,
		StateVersion:             cd.Transaction.StateVersion,
		Epoch:                    cd.Transaction.Epoch,
		ReferencedGlobalEntities: cd.Details.ReferencedGlobalEntities,
		Raw:                      raw,
	}
	if len(r.ReferencedGlobalEntities) == 0 {
		r.ReferencedGlobalEntities = cd.Transaction.AffectedGlobalEntities
	}

	if r.StateVersion == 0 {
		r.StateVersion = cd.LedgerState.StateVersion
	}

	if cd.Transaction.ConfirmedAt != nil {
		r.ConfirmedAt = *cd.Transaction.ConfirmedAt
	}

	if r.Status == "" {
		r.Status = types.StatusCommittedSuccess // older gateways only answer for committed intents
	}

	return r, nil
}

// Status returns the current status of the intent.
func (b *Babylon) Status(ctx context.Context, intentHash string) (types.TxStatus, error) {
	if err := types.CheckIntentHash(intentHash); err != nil {
		return types.StatusUnknown, err
	}

	var res struct {
		Status       types.TxStatus `json:"status"`
		IntentStatus types.TxStatus `json:"intent_status"`
	}
	if err := b.post(ctx, pathStatus, b.intentRequest(intentHash), &res); err != nil {
		return types.StatusUnknown, err
	}

	switch {
	case res.IntentStatus != "":
		return res.IntentStatus, nil
	case res.Status != "":
		return res.Status, nil
	}

	return types.StatusUnknown, nil
}

// Submit sends a notarized transaction, hex encoded, to the network.
func (b *Babylon) Submit(ctx context.Context, notarizedHex string) (res types.SubmitResult, err error) {
	if notarizedHex == "" {
		return res, types.ErrNoPayload
	}

	err = b.post(ctx, pathSubmit, map[string]interface{}{"notarized_transaction_hex": notarizedHex}, &res)

	return
}

type entityItem struct {
	Address           string `json:"address"`
	FungibleResources struct {
		Items []struct {
			ResourceAddress string `json:"resource_address"`
			Amount          string `json:"amount"`
			Vaults          struct {
				Items []struct {
					Amount string `json:"amount"`
				} `json:"items"`
			} `json:"vaults"`
		} `json:"items"`
	} `json:"fungible_resources"`
	Metadata struct {
		Items []struct {
			Key   string `json:"key"`
			Value struct {
				Typed struct {
					Type  string          `json:"type"`
					Value json.RawMessage `json:"value"`
				} `json:"typed"`
			} `json:"value"`
		} `json:"items"`
	} `json:"metadata"`
	Details struct {
		Type        string `json:"type"`
		TotalSupply string `json:"total_supply"`
	} `json:"details"`
}

// EntityDetails returns the metadata and fungible balances, aggregated by vault, of the entity at address.
func (b *Babylon) EntityDetails(ctx context.Context, address string) (e types.Entity, err error) {
	if address == "" {
		return e, types.ErrNoAddress
	}

	var res struct {
		Items []json.RawMessage `json:"items"`
	}

	req := map[string]interface{}{"addresses": []string{address}, "aggregation_level": "Vault"}
	if err = b.post(ctx, pathEntityDetails, req, &res); err != nil {
		return
	}

	if len(res.Items) == 0 {
		return e, types.ErrNoEntity
	}

	var it entityItem
	if err = json.Unmarshal(res.Items[0], &it); err != nil {
		return e, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}

	e = types.Entity{
		Address:   it.Address,
		Type:      it.Details.Type,
		Supply:    it.Details.TotalSupply,
		Metadata:  make(map[string]string),
		Fungibles: make(map[string]string),
		Raw:       res.Items[0],
	}

	for _, m := range it.Metadata.Items {
		var s string
		if json.Unmarshal(m.Value.Typed.Value, &s) == nil {
			e.Metadata[m.Key] = s
		}
	}

	for _, f := range it.FungibleResources.Items {
		amount := f.Amount
		if len(f.Vaults.Items) > 0 {
			amount = f.Vaults.Items[0].Amount
		}

		e.Fungibles[f.ResourceAddress] = amount
	}

	return e, nil
}

// CurrentEpoch returns the epoch of the gateway's ledger state.
func (b *Babylon) CurrentEpoch(ctx context.Context) (uint64, error) {
	var res struct {
		LedgerState ledgerState `json:"ledger_state"`
	}
	if err := b.post(ctx, pathGatewayStatus, map[string]interface{}{}, &res); err != nil {
		return 0, err
	}

	return res.LedgerState.Epoch, nil
}

// Preview asks the gateway to run the manifest without committing it, valid for the current epoch only. The
// gateway's preview receipt is returned as is.
func (b *Babylon) Preview(ctx context.Context, manifest string) (json.RawMessage, error) {
	epoch, err := b.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"manifest":              manifest,
		"start_epoch_inclusive": epoch,
		"end_epoch_exclusive":   epoch + 1,
		"tip_percentage":        0,
		"nonce":                 rand.Uint32(), //nolint:gosec // preview nonce, not a secret
		"signer_public_keys":    []string{},
		"flags": map[string]bool{
			"use_free_credit":             true,
			"assume_all_signature_proofs": true,
			"skip_epoch_check":            true,
		},
	}

	var raw json.RawMessage
	if err = b.post(ctx, pathPreview, req, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// post sends a JSON request to the gateway and decodes the JSON reply into res. Gateway error replies are mapped to
// types.ErrNotFound, types.ErrTransient or returned as *types.APIError.
func (b *Babylon) post(ctx context.Context, path string, req, res interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, b.node+path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	hr.Header.Set("Content-Type", "application/json")

	if b.user != "" {
		hr.SetBasicAuth(b.user, b.pass)
	}

	resp, err := b.hc.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", types.ErrTransient, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, data)
	}

	if err = json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDecode, err)
	}

	return nil
}

// apiError classifies a gateway error reply on its status code and structured error kind.
func apiError(status int, data []byte) error {
	var body struct {
		Message string `json:"message"`
		Details struct {
			Type string `json:"type"`
		} `json:"details"`
	}
	_ = json.Unmarshal(data, &body)

	e := &types.APIError{StatusCode: status, Message: body.Message, Type: body.Details.Type}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case e.Type == notFoundType || status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", types.ErrNotFound, e)
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", types.ErrTransient, e)
	}

	return e
}
