// Package msg defines the interface for different message brokers.
package msg

import (
	"sync"

	"github.com/tarancss/dapp/lib/msg/types"
)

// MsgBroker connects the dapp service, which asks for intents to be watched, with the watcher, which reports their
// commitment. Consumers receive a mutex locked by the caller: a consumed message is acknowledged once the caller has
// processed it and unlocked the mutex.
type MsgBroker interface {
	Setup() error
	Close() error

	// methods for dapp service
	SendRequest(net string, r types.WatchReq) error
	GetEvents(net string, mut *sync.Mutex) (<-chan types.CommitEvent, <-chan error, error)

	// methods for watcher service
	GetReqs(net string, mut *sync.Mutex) (<-chan types.WatchReq, <-chan error, error)
	SendEvent(net string, e types.CommitEvent) error
}
