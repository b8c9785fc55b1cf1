// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/store"
)

const opTimeout = 5 * time.Second

// schema is applied on connection, every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS watches (
		id BIGSERIAL PRIMARY KEY,
		net TEXT NOT NULL,
		hash TEXT NOT NULL,
		session TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		since TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (net, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		net TEXT NOT NULL,
		hash TEXT NOT NULL,
		status TEXT NOT NULL,
		state_version BIGINT NOT NULL DEFAULT 0,
		epoch BIGINT NOT NULL DEFAULT 0,
		confirmed_at TIMESTAMPTZ,
		entities TEXT[] NOT NULL DEFAULT '{}',
		raw JSONB,
		PRIMARY KEY (net, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		net TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		addresses JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables
// required if missing.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for _, stmt := range schema {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("error creating postgres schema: %w", err)
		}
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))

	return b
}

// AddWatch saves a watch if the intent hash is not already watched in net, and returns the watch id.
func (p *Postgres) AddWatch(w store.Watch, net string) ([]byte, error) {
	if w.Hash == "" {
		return nil, store.ErrNoHash
	}

	if w.Since.IsZero() {
		w.Since = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// the no-op update makes RETURNING yield the id of an existing row
	var id int64

	err := p.db.QueryRowContext(ctx, `INSERT INTO watches (net, hash, session, kind, since) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (net, hash) DO UPDATE SET hash = EXCLUDED.hash RETURNING id`,
		net, w.Hash, w.Session, w.Kind, w.Since).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("could not insert watch in db: %w", err)
	}

	return idBytes(id), nil
}

// RemoveWatch deletes a watch from the database.
func (p *Postgres) RemoveWatch(w store.Watch, net string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM watches WHERE net = $1 AND hash = $2`, net, w.Hash)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrWatchNotFound
	}

	return nil
}

// GetWatches returns the watches of the networks indicated in the net slice, or of all networks if empty.
func (p *Postgres) GetWatches(net []string) ([]store.ListenedWatches, error) {
	if net == nil {
		net = []string{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `SELECT id, net, hash, session, kind, since FROM watches
		WHERE cardinality($1::TEXT[]) = 0 OR net = ANY($1) ORDER BY net, since, id`, pq.Array(net))
	if err != nil {
		return nil, fmt.Errorf("error reading watches: %w", err)
	}
	defer rows.Close()

	watches := []store.ListenedWatches{}
	idx := map[string]int{}

	for rows.Next() {
		var (
			id int64
			n  string
			w  store.Watch
		)

		if err = rows.Scan(&id, &n, &w.Hash, &w.Session, &w.Kind, &w.Since); err != nil {
			return nil, err
		}

		w.ID = idBytes(id)

		i, ok := idx[n]
		if !ok {
			i = len(watches)
			idx[n] = i
			watches = append(watches, store.ListenedWatches{Net: n})
		}

		watches[i].Watches = append(watches[i].Watches, w)
	}

	return watches, rows.Err()
}

// SaveReceipt saves or replaces the receipt of an intent for the indicated network.
func (p *Postgres) SaveReceipt(net string, r types.Receipt) error {
	if r.IntentHash == "" {
		return store.ErrNoHash
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		confirmed sql.NullTime
		raw       sql.NullString
	)

	if !r.ConfirmedAt.IsZero() {
		confirmed = sql.NullTime{Time: r.ConfirmedAt, Valid: true}
	}

	// JSONB parameters go as text, []byte would be sent as bytea
	if len(r.Raw) > 0 {
		raw = sql.NullString{String: string(r.Raw), Valid: true}
	}

	entities := r.ReferencedGlobalEntities
	if entities == nil {
		entities = []string{}
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO receipts (net, hash, status, state_version, epoch, confirmed_at,
		entities, raw) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (net, hash) DO UPDATE SET status = EXCLUDED.status, state_version = EXCLUDED.state_version,
		epoch = EXCLUDED.epoch, confirmed_at = EXCLUDED.confirmed_at, entities = EXCLUDED.entities,
		raw = EXCLUDED.raw`,
		net, r.IntentHash, string(r.Status), r.StateVersion, int64(r.Epoch), confirmed, pq.Array(entities), raw)

	return err
}

// GetReceipt loads the receipt of an intent for the indicated network.
func (p *Postgres) GetReceipt(net, hash string) (r types.Receipt, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		status    string
		epoch     int64
		confirmed sql.NullTime
		raw       []byte
	)

	err = p.db.QueryRowContext(ctx, `SELECT status, state_version, epoch, confirmed_at, entities, raw
		FROM receipts WHERE net = $1 AND hash = $2`, net, hash).
		Scan(&status, &r.StateVersion, &epoch, &confirmed, pq.Array(&r.ReferencedGlobalEntities), &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrDataNotFound
		}

		return r, err
	}

	r.IntentHash = hash
	r.Status = types.TxStatus(status)
	r.Epoch = uint64(epoch)

	if confirmed.Valid {
		r.ConfirmedAt = confirmed.Time
	}

	if len(raw) > 0 {
		r.Raw = json.RawMessage(raw)
	}

	return r, nil
}

// SaveSession saves or replaces a dapp session.
func (p *Postgres) SaveSession(s store.Session) error {
	if s.ID == "" {
		return store.ErrNoSessionID
	}

	addrs, err := json.Marshal(s.Addresses)
	if err != nil {
		return err
	}

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err = p.db.ExecContext(ctx, `INSERT INTO sessions (id, net, account, addresses, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET net = EXCLUDED.net, account = EXCLUDED.account,
		addresses = EXCLUDED.addresses, updated_at = EXCLUDED.updated_at`,
		s.ID, s.Net, s.Account, string(addrs), s.UpdatedAt)

	return err
}

// GetSession loads a dapp session.
func (p *Postgres) GetSession(id string) (s store.Session, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var addrs []byte

	err = p.db.QueryRowContext(ctx, `SELECT id, net, account, addresses, updated_at FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.Net, &s.Account, &addrs, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrSessionNotFound
		}

		return s, err
	}

	s.Addresses = map[string]string{}
	if err = json.Unmarshal(addrs, &s.Addresses); err != nil {
		return s, fmt.Errorf("decoding session addresses: %w", err)
	}

	return s, nil
}

// DeleteSession deletes a dapp session.
func (p *Postgres) DeleteSession(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrSessionNotFound
	}

	return nil
}
