// Package types defines some constant values and types for message brokers.
package types

import (
	"time"

	gw "github.com/tarancss/dapp/lib/gateway/types"
)

// Actions to be applied to an intent hash in watch requests.
const (
	EXIT    = -1
	WATCH   = 0
	UNWATCH = 1
)

// WatchReq defines the message that the dapp service publishes to the watcher to follow an intent until it is
// committed, or to stop following it.
type WatchReq struct {
	Net     string `json:"net"`
	Hash    string `json:"hash"`
	Session string `json:"session,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Act     int    `json:"act"` // action to be applied
}

// CommitEvent defines the message that the watcher publishes when a watched intent reaches an outcome. Outcome is
// one of the poller outcomes (committed, timeout, query_failed, cancelled); Receipt is set only when committed.
type CommitEvent struct {
	Net     string      `json:"net"`
	Hash    string      `json:"hash"`
	Session string      `json:"session,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Outcome string      `json:"outcome"`
	Status  gw.TxStatus `json:"status,omitempty"`
	Receipt *gw.Receipt `json:"receipt,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}
