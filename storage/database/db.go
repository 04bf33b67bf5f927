// Package database opens the record store selected by the configuration.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/storage/database/memdb"
	"github.com/trezcool/lecturelog/storage/database/pgdb"
	"github.com/trezcool/lecturelog/storage/database/redisdb"
)

// Uniques lists every unique field the stores must enforce.
func Uniques() []core.UniqueIndex {
	return append([]core.UniqueIndex(nil), account.Uniques...)
}

// Open returns the store named by conf.Store.Engine (memory, redis or postgres).
func Open(ctx context.Context, conf *core.Config, logger core.Logger) (core.DocStore, error) {
	switch conf.Store.Engine {
	case "", "memory":
		return memdb.Open(memdb.Options{
			Uniques:       Uniques(),
			TxMaxAttempts: conf.Store.TxMaxAttempts,
		})
	case "redis":
		db, err := redisdb.Open(ctx, redisdb.Options{
			Addr:          conf.Redis.Addr,
			Password:      conf.Redis.Password,
			DB:            conf.Redis.DB,
			Prefix:        conf.Redis.Prefix,
			Uniques:       Uniques(),
			TxMaxAttempts: conf.Store.TxMaxAttempts,
			Logger:        logger,
		})
		if err != nil {
			return nil, errors.Wrap(err, "opening redis store")
		}
		return db, nil
	case "postgres":
		db, err := pgdb.Open(conf, pgdb.Options{
			Uniques:       Uniques(),
			TxMaxAttempts: conf.Store.TxMaxAttempts,
			Logger:        logger,
		})
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres store")
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown store engine %q", conf.Store.Engine)
}

// Prepare creates and migrates the postgres database. Other engines need no preparation.
func Prepare(conf *core.Config) error {
	if conf.Store.Engine != "postgres" {
		return nil
	}
	if err := pgdb.CreateIfNotExist(conf); err != nil {
		return errors.Wrap(err, "creating database")
	}
	db, err := OpenSQL(conf)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return pgdb.Migrate(db, "up")
}

// OpenSQL opens a plain connection to the app's postgres database (migrations, admin tasks).
func OpenSQL(conf *core.Config) (*sql.DB, error) {
	db, err := sql.Open(conf.Database.Engine, pgdb.DSN(conf.Database.Name, false, conf))
	return db, errors.Wrap(err, "opening database")
}
