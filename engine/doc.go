// Package engine wires all durable subsystems together and provides the
// application-level API for registering workflows and driving runs.
//
// The engine package exists to break an import cycle: the subsystem
// packages (workflow, hook, stream, step) only know each other through
// narrow interfaces, and the engine plugs the concrete implementations
// together. It sits above all subsystem packages and below the
// application layer (api, dwp, cmd).
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithSchema("refund", hook.JSONObject(hook.Required("amount", hook.Number))),
//	)
//
// # Registering Workflows
//
//	engine.Register(eng, ProcessOrder)
//
// # Driving Runs
//
//	if err := eng.Launch(ctx); err != nil { ... }
//	defer eng.Shutdown(context.Background())
//
//	h, err := eng.Start(ctx, "process-order", OrderInput{ID: "o-1"})
//	out, err := h.Result(ctx)
//
//	// Deliver an external event to a suspended run.
//	err = eng.Resume(ctx, token, []byte(`{"approved":true}`))
//
//	// Follow the run's output stream, reconnecting at any index.
//	r, err := h.Readable(ctx, lastSeen+1)
//
// # Options
//
//   - [WithStore]: persistence backend (required)
//   - [WithConfig]: concurrency, leases, sweep schedules, retention
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the step execution chain
//   - [WithBackoff]: set the default step retry backoff
//   - [WithSchema]: register a named hook payload schema
//   - [WithResumeLimit]: rate limit resumes per hook token
package engine
