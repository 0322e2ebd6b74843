// Package postgres implements store.Store using pgx/v5 with raw SQL.
//
// Journal appends and hook deliveries serialize per run on a transaction
// advisory lock, so sequence numbers are gap-free under concurrent
// writers. Stream appends lock the stream's head row. The schema ships as
// embedded SQL migrations applied by Migrate.
package postgres
