// Package types common gateway types.
package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TxStatus is the intent status reported by a gateway.
type TxStatus string

// Intent status values.
const (
	StatusUnknown          TxStatus = "Unknown"
	StatusPending          TxStatus = "Pending"
	StatusCommittedSuccess TxStatus = "CommittedSuccess"
	StatusCommittedFailure TxStatus = "CommittedFailure"
	StatusRejected         TxStatus = "Rejected"
)

// Terminal returns true when no further status change is expected for the intent.
func (s TxStatus) Terminal() bool {
	return s == StatusCommittedSuccess || s == StatusCommittedFailure || s == StatusRejected
}

// Receipt is the committed details of a transaction as returned by the gateway. Raw holds the response verbatim;
// the other fields are decoded from it for routing and storage.
type Receipt struct {
	IntentHash               string          `json:"intentHash"`
	Status                   TxStatus        `json:"status"`
	StateVersion             int64           `json:"stateVersion"`
	Epoch                    uint64          `json:"epoch,omitempty"`
	ConfirmedAt              time.Time       `json:"confirmedAt,omitempty"`
	ReferencedGlobalEntities []string        `json:"referencedGlobalEntities,omitempty"`
	Raw                      json.RawMessage `json:"raw,omitempty"`
}

// Entity contains a simplified view of a ledger entity (component, resource, account).
type Entity struct {
	Address   string            `json:"address"`
	Type      string            `json:"type,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Fungibles map[string]string `json:"fungibles,omitempty"` // resource address -> aggregated vault amount
	Supply    string            `json:"totalSupply,omitempty"`
	Raw       json.RawMessage   `json:"raw,omitempty"`
}

// SubmitResult is the gateway reply to a transaction submission.
type SubmitResult struct {
	Duplicate bool `json:"duplicate"`
}

// APIError is an error reply decoded from the gateway. Type is the gateway's machine readable error kind, ie.
// TransactionNotFoundError.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("gateway error %d %s: %s", e.StatusCode, e.Type, e.Message)
	}

	return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
}

// Error codes.
var (
	ErrNotFound      = errors.New("transaction not found")
	ErrTransient     = errors.New("gateway temporarily unavailable")
	ErrNoIntentHash  = errors.New("an intent hash is required")
	ErrBadIntentHash = errors.New("intent hash must be hex or bech32 encoded")
	ErrNoAddress     = errors.New("an entity address is required")
	ErrNoEntity      = errors.New("entity not found")
	ErrNoPayload     = errors.New("a notarized transaction is required")
	ErrDecode        = errors.New("unable to decode gateway response")
)

// CheckIntentHash validates an intent hash: either hex (optionally 0x prefixed) or a bech32 "txid_" identifier.
func CheckIntentHash(h string) error {
	if h == "" {
		return ErrNoIntentHash
	}

	if strings.HasPrefix(h, "txid_") {
		return checkBech32(h)
	}

	h = strings.TrimPrefix(h, "0x")
	if len(h)%2 != 0 {
		return ErrBadIntentHash
	}

	if _, err := hex.DecodeString(h); err != nil {
		return ErrBadIntentHash
	}

	return nil
}

// bech32Charset holds the data characters of a bech32 string, the 1 separating them from the human readable part.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// checkBech32 checks the shape of a lowercase bech32 string: a human readable part of letters, digits and
// underscores, the separator 1 and at least a checksum of data characters.
func checkBech32(h string) error {
	i := strings.LastIndexByte(h, '1')
	if i < 1 || len(h)-i-1 < 6 {
		return ErrBadIntentHash
	}

	for _, c := range h[:i] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return ErrBadIntentHash
		}
	}

	for _, c := range h[i+1:] {
		if !strings.ContainsRune(bech32Charset, c) {
			return ErrBadIntentHash
		}
	}

	return nil
}
