// Package bunstore implements store.Store using the Bun ORM with the
// PostgreSQL dialect. It shares its schema with store/postgres, so either
// backend can open a database the other migrated.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/durable/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	s := bunstore.New(db)
//	err := s.Migrate(ctx)
package bunstore
