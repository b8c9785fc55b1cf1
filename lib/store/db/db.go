// Package db implements the opening and graceful closing of database connections.
package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/dapp/lib/store/leveldb"
	"github.com/tarancss/dapp/lib/store/mongo"
	"github.com/tarancss/dapp/lib/store/postgres"
)

// Database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	LEVELDB  string = "leveldb"
)

// New returns a new database connection according to the options (database type). For leveldb, connection is the
// directory of the database.
func New(options, connection string, logger *zap.Logger) (store.DB, error) {
	switch options {
	case MONGODB:
		return mongo.New(connection, logger)
	case POSTGRES:
		return postgres.New(connection)
	case LEVELDB:
		return leveldb.New(connection)
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}

// Close gracefully closes the database connection.
func Close(dh store.DB) error {
	switch d := dh.(type) {
	case *mongo.Mongo:
		return d.CloseMongo()
	case *postgres.Postgres:
		return d.ClosePostgres()
	case *leveldb.LevelDB:
		return d.CloseLevelDB()
	}

	return nil
}
