// Package store defines the interface for database implementations to the dapp and watcher microservices.
package store

import (
	"errors"

	"github.com/tarancss/dapp/lib/gateway/types"
)

// DB defines required methods for the dapp and the watcher
type DB interface {
	// methods for watches, written by the dapp service and read by the watcher
	AddWatch(Watch, string) ([]byte, error)
	RemoveWatch(Watch, string) error
	GetWatches([]string) ([]ListenedWatches, error)
	// methods for commitment receipts
	SaveReceipt(string, types.Receipt) error
	GetReceipt(string, string) (types.Receipt, error)
	// methods for dapp sessions
	SaveSession(Session) error
	GetSession(string) (Session, error)
	DeleteSession(string) error
}

// Errors returned
var (
	ErrWatchNotFound   = errors.New("watch was not found in store")
	ErrDataNotFound    = errors.New("data was not found in store")
	ErrSessionNotFound = errors.New("session was not found in store")
	ErrNoHash          = errors.New("an intent hash is required")
	ErrNoSessionID     = errors.New("a session id is required")
)
