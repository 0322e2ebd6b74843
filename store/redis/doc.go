// Package redis implements store.Store on Redis.
//
// Records are msgpack-encoded strings. Runs are indexed by sorted sets
// (creation time, wake time, deadline) so listing and the wake sweep never
// scan the keyspace. A run's journal and stream are sorted sets scored by
// sequence number and chunk index.
//
// Every read-check-write (terminal run guard, journal sequencing, hook
// delivery, stream append, leases) runs as an optimistic WATCH/MULTI
// transaction and is retried on contention. Expiry of leases and streams
// is judged against the store clock rather than Redis TTLs, so TTLs only
// reclaim space.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
