// Package leveldb implements the interface for an embedded LevelDB database, for single node deployments.
package leveldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/store"
)

// Key prefixes. Watches and receipts are keyed by network and intent hash: "w/<net>/<hash>".
const (
	keyPrefixWatch   = "w/"
	keyPrefixReceipt = "r/"
	keyPrefixSession = "s/"
)

// LevelDB implements a store in a LevelDB directory.
type LevelDB struct {
	db *leveldb.DB
}

// New opens, or creates, the LevelDB database in the directory path.
func New(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open leveldb in %s: %w", path, err)
	}

	return &LevelDB{db: db}, nil
}

// CloseLevelDB closes the database. Must be called at termination time.
func (l *LevelDB) CloseLevelDB() error {
	return l.db.Close()
}

func bz(parts ...string) []byte {
	return []byte(strings.Join(parts, ""))
}

func watchKey(net, hash string) []byte {
	return bz(keyPrefixWatch, net, "/", hash)
}

// AddWatch saves a watch if the intent hash is not already watched in net, and returns the watch id.
func (l *LevelDB) AddWatch(w store.Watch, net string) ([]byte, error) {
	if w.Hash == "" {
		return nil, store.ErrNoHash
	}

	tx, err := l.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	key := watchKey(net, w.Hash)

	value, err := tx.Get(key, nil)
	if err == nil {
		var old store.Watch
		if err = json.Unmarshal(value, &old); err != nil {
			return nil, err
		}

		return old.ID, nil
	}

	if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	w.ID = id[:]

	if w.Since.IsZero() {
		w.Since = time.Now().UTC()
	}

	if value, err = json.Marshal(w); err != nil {
		return nil, err
	}

	if err = tx.Put(key, value, nil); err != nil {
		return nil, fmt.Errorf("could not insert watch in db: %w", err)
	}

	return w.ID, tx.Commit()
}

// RemoveWatch deletes a watch from the database.
func (l *LevelDB) RemoveWatch(w store.Watch, net string) error {
	tx, err := l.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tx.Discard()

	key := watchKey(net, w.Hash)

	if _, err = tx.Get(key, nil); err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return store.ErrWatchNotFound
		}

		return err
	}

	if err = tx.Delete(key, nil); err != nil {
		return err
	}

	return tx.Commit()
}

// GetWatches returns the watches of the networks indicated in the net slice, or of all networks if empty.
func (l *LevelDB) GetWatches(net []string) ([]store.ListenedWatches, error) {
	prefixes := make([][]byte, 0, len(net))
	for _, n := range net {
		prefixes = append(prefixes, bz(keyPrefixWatch, n, "/"))
	}

	if len(prefixes) == 0 {
		prefixes = append(prefixes, bz(keyPrefixWatch))
	}

	watches := []store.ListenedWatches{}
	idx := map[string]int{}

	for _, prefix := range prefixes {
		it := l.db.NewIterator(util.BytesPrefix(prefix), nil)

		for it.Next() {
			n, _, ok := strings.Cut(string(it.Key()[len(keyPrefixWatch):]), "/")
			if !ok {
				continue
			}

			var w store.Watch
			if err := json.Unmarshal(it.Value(), &w); err != nil {
				it.Release()

				return nil, fmt.Errorf("decoding watch %s: %w", it.Key(), err)
			}

			i, seen := idx[n]
			if !seen {
				i = len(watches)
				idx[n] = i
				watches = append(watches, store.ListenedWatches{Net: n})
			}

			watches[i].Watches = append(watches[i].Watches, w)
		}

		it.Release()

		if err := it.Error(); err != nil {
			return nil, err
		}
	}

	for _, lw := range watches {
		ws := lw.Watches
		sort.SliceStable(ws, func(i, j int) bool { return ws[i].Since.Before(ws[j].Since) })
	}

	return watches, nil
}

// SaveReceipt saves or replaces the receipt of an intent for the indicated network.
func (l *LevelDB) SaveReceipt(net string, r types.Receipt) error {
	if r.IntentHash == "" {
		return store.ErrNoHash
	}

	value, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return l.db.Put(bz(keyPrefixReceipt, net, "/", r.IntentHash), value, nil)
}

// GetReceipt loads the receipt of an intent for the indicated network.
func (l *LevelDB) GetReceipt(net, hash string) (r types.Receipt, err error) {
	value, err := l.db.Get(bz(keyPrefixReceipt, net, "/", hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			err = store.ErrDataNotFound
		}

		return
	}

	err = json.Unmarshal(value, &r)

	return
}

// SaveSession saves or replaces a dapp session.
func (l *LevelDB) SaveSession(s store.Session) error {
	if s.ID == "" {
		return store.ErrNoSessionID
	}

	value, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return l.db.Put(bz(keyPrefixSession, s.ID), value, nil)
}

// GetSession loads a dapp session.
func (l *LevelDB) GetSession(id string) (s store.Session, err error) {
	value, err := l.db.Get(bz(keyPrefixSession, id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			err = store.ErrSessionNotFound
		}

		return
	}

	if err = json.Unmarshal(value, &s); err == nil && s.Addresses == nil {
		s.Addresses = map[string]string{}
	}

	return
}

// DeleteSession deletes a dapp session.
func (l *LevelDB) DeleteSession(id string) error {
	key := bz(keyPrefixSession, id)

	ok, err := l.db.Has(key, nil)
	if err != nil {
		return err
	}

	if !ok {
		return store.ErrSessionNotFound
	}

	return l.db.Delete(key, nil)
}
