// Package lease provides per-run execution leases.
//
// At most one process executes a run's workflow body at a time. Before an
// activation the runtime acquires the lease keyed by the run ID with a TTL
// and renews it on a heartbeat while the body runs. A process that crashes
// stops renewing; once the TTL lapses another process may acquire the
// lease and recover the run.
//
// Acquisition uses the store's compare-and-set primitive: SET NX PX on
// Redis, an upsert guarded by expiry on Postgres and Mongo, and a mutex on
// the memory store.
package lease
