// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/store"
)

// Database names. Watches and receipts are kept in a collection per network.
const (
	dbWatch    = "watch"
	dbReceipt  = "receipt"
	dbDapp     = "dapp"
	colSession = "sessions"
)

const opTimeout = 5 * time.Second

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c   *mgo.Client
	log *zap.Logger
}

// MongoWatch implements a store watch to MongoDB.
type MongoWatch struct {
	ID      primitive.ObjectID `json:"_id" bson:"_id,omitempty"`
	Hash    string             `json:"hash" bson:"hash"`
	Session string             `json:"session,omitempty" bson:"session,omitempty"`
	Kind    string             `json:"kind,omitempty" bson:"kind,omitempty"`
	Since   time.Time          `json:"since" bson:"since"`
}

// Watch converts a MongoWatch to store.Watch type.
func (w MongoWatch) Watch() store.Watch {
	return store.Watch{ID: w.ID[:], Hash: w.Hash, Session: w.Session, Kind: w.Kind, Since: w.Since}
}

// MongoReceipt implements a commitment receipt to MongoDB. The raw gateway response is kept as a string so it is
// readable from the mongo shell.
type MongoReceipt struct {
	Hash         string    `bson:"_id"`
	Status       string    `bson:"status"`
	StateVersion int64     `bson:"stateVersion"`
	Epoch        int64     `bson:"epoch"`
	ConfirmedAt  time.Time `bson:"confirmedAt,omitempty"`
	Entities     []string  `bson:"entities,omitempty"`
	Raw          string    `bson:"raw,omitempty"`
}

// MongoSession implements a store session to MongoDB.
type MongoSession struct {
	ID        string            `bson:"_id"`
	Net       string            `bson:"net"`
	Account   string            `bson:"account,omitempty"`
	Addresses map[string]string `bson:"addresses"`
	UpdatedAt time.Time         `bson:"updatedAt"`
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string, logger *zap.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	c, err := mgo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	if err = c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c, log: logger.With(zap.String("module", "mongo"))}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// AddWatch saves a watch if the intent hash is not already watched, and returns the watch id.
func (m *Mongo) AddWatch(w store.Watch, net string) ([]byte, error) {
	if w.Hash == "" {
		return nil, store.ErrNoHash
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	col := m.c.Database(dbWatch).Collection(net)

	// try and find it
	var mw MongoWatch

	err := col.FindOne(ctx, bson.M{"hash": w.Hash}).Decode(&mw)
	if errors.Is(err, mgo.ErrNoDocuments) { // if not found, do insert it!!
		if w.Since.IsZero() {
			w.Since = time.Now().UTC()
		}

		res, errIns := col.InsertOne(ctx, MongoWatch{Hash: w.Hash, Session: w.Session, Kind: w.Kind, Since: w.Since})
		if errIns != nil {
			return nil, fmt.Errorf("could not insert watch in db: %w", errIns)
		}

		id, _ := res.InsertedID.(primitive.ObjectID)

		return hex.DecodeString(id.Hex())
	}

	if err != nil {
		return nil, fmt.Errorf("could not insert watch in db: %w", err)
	}

	m.log.Debug("intent was already watched", zap.String("net", net), zap.String("hash", w.Hash))

	return hex.DecodeString(mw.ID.Hex())
}

// RemoveWatch deletes a watch from the database.
func (m *Mongo) RemoveWatch(w store.Watch, net string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := m.c.Database(dbWatch).Collection(net).DeleteOne(ctx, bson.M{"hash": w.Hash})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrWatchNotFound
	}

	return err
}

// GetWatches returns the watches of the networks indicated in the net slice, or of all networks if empty.
func (m *Mongo) GetWatches(net []string) ([]store.ListenedWatches, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cols, err := m.c.Database(dbWatch).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("error getting mongo DB object: %w", err)
	}

	watches := []store.ListenedWatches{}

	for _, col := range cols {
		if len(net) > 0 && !slices.Contains(net, col) {
			continue
		}

		lw := store.ListenedWatches{Net: col}

		docs, err := m.c.Database(dbWatch).Collection(col).Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"since": 1}))
		if err != nil {
			return nil, fmt.Errorf("error reading watches of %s: %w", col, err)
		}

		for docs.Next(ctx) {
			var w MongoWatch
			if err = docs.Decode(&w); err == nil {
				lw.Watches = append(lw.Watches, w.Watch())
			}
		}

		_ = docs.Close(ctx)

		watches = append(watches, lw)
	}

	return watches, nil
}

// SaveReceipt saves or replaces the receipt of an intent for the indicated network.
func (m *Mongo) SaveReceipt(net string, r types.Receipt) error {
	if r.IntentHash == "" {
		return store.ErrNoHash
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	mr := MongoReceipt{
		Hash:         r.IntentHash,
		Status:       string(r.Status),
		StateVersion: r.StateVersion,
		Epoch:        int64(r.Epoch),
		ConfirmedAt:  r.ConfirmedAt,
		Entities:     r.ReferencedGlobalEntities,
		Raw:          string(r.Raw),
	}

	_, err := m.c.Database(dbReceipt).Collection(net).ReplaceOne(ctx, bson.M{"_id": mr.Hash}, mr,
		options.Replace().SetUpsert(true))

	return err
}

// GetReceipt loads the receipt of an intent for the indicated network.
func (m *Mongo) GetReceipt(net, hash string) (r types.Receipt, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var mr MongoReceipt
	if err = m.c.Database(dbReceipt).Collection(net).FindOne(ctx, bson.M{"_id": hash}).Decode(&mr); err != nil {
		if errors.Is(err, mgo.ErrNoDocuments) {
			err = store.ErrDataNotFound
		}

		return
	}

	r = types.Receipt{
		IntentHash:               mr.Hash,
		Status:                   types.TxStatus(mr.Status),
		StateVersion:             mr.StateVersion,
		Epoch:                    uint64(mr.Epoch),
		ConfirmedAt:              mr.ConfirmedAt,
		ReferencedGlobalEntities: mr.Entities,
	}

	if mr.Raw != "" {
		r.Raw = json.RawMessage(mr.Raw)
	}

	return r, nil
}

// SaveSession saves or replaces a dapp session.
func (m *Mongo) SaveSession(s store.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return store.ErrNoSessionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ms := MongoSession{ID: s.ID, Net: s.Net, Account: s.Account, Addresses: s.Addresses, UpdatedAt: s.UpdatedAt}

	_, err := m.c.Database(dbDapp).Collection(colSession).ReplaceOne(ctx, bson.M{"_id": s.ID}, ms,
		options.Replace().SetUpsert(true))

	return err
}

// GetSession loads a dapp session.
func (m *Mongo) GetSession(id string) (s store.Session, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var ms MongoSession
	if err = m.c.Database(dbDapp).Collection(colSession).FindOne(ctx, bson.M{"_id": id}).Decode(&ms); err != nil {
		if errors.Is(err, mgo.ErrNoDocuments) {
			err = store.ErrSessionNotFound
		}

		return
	}

	if ms.Addresses == nil {
		ms.Addresses = map[string]string{}
	}

	return store.Session{ID: ms.ID, Net: ms.Net, Account: ms.Account, Addresses: ms.Addresses,
		UpdatedAt: ms.UpdatedAt}, nil
}

// DeleteSession deletes a dapp session.
func (m *Mongo) DeleteSession(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := m.c.Database(dbDapp).Collection(colSession).DeleteOne(ctx, bson.M{"_id": id})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrSessionNotFound
	}

	return err
}
