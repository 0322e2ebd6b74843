// Package durable is a durable workflow execution engine for Go.
//
// A workflow is ordinary Go code registered under a name. Its side effects
// live in steps, which are memoized in an append-only journal and retried
// with backoff. Workflows wait for the outside world through hooks (resumed
// by token), sleep for hours or days, and stream partial output to readers
// that can disconnect and reconnect at any chunk index.
//
// When a process restarts, a run is re-executed from the top; every step
// and hook already recorded in the journal answers instantly, so the run
// picks up exactly where it stopped.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithLogger(logger),
//	)
//	engine.Register(eng, greet)
//	err = eng.Launch(ctx)
//	h, err := eng.Start(ctx, "greet", input)
//
// # Architecture
//
// Each subsystem (workflow runs, journal, hooks, streams, leases, key-value
// state) defines its own store interface; a backend (memory, redis,
// postgres, mongo) implements all of them. The root package holds the error
// taxonomy and configuration shared by every subsystem.
package durable
