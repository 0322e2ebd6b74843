// Package workflow is the replay runtime: typed workflow definitions, the
// run record and its store, and the Runner that activates runs.
//
// A workflow body is ordinary Go code that talks to the engine only
// through its *Workflow. Every activation re-executes the body from the
// top. Steps, hooks and sleeps that already have an outcome in the run's
// journal return it immediately; the first one without an outcome either
// performs the work (steps) or suspends the run (hooks, sleeps). A body
// must therefore be deterministic apart from what it does inside steps.
//
// # Defining a Workflow
//
//	var Order = workflow.New("order",
//	    func(wf *workflow.Workflow, in OrderInput) (Receipt, error) {
//	        charge, err := workflow.StepWithResult(wf, "charge",
//	            func(ctx context.Context) (Charge, error) {
//	                return payments.Charge(ctx, in.Card, in.Amount)
//	            },
//	            step.WithMaxRetries(2),
//	        )
//	        if err != nil {
//	            return Receipt{}, err
//	        }
//
//	        approval, err := wf.CreateHook("approval")
//	        if err != nil {
//	            return Receipt{}, err
//	        }
//	        ok, err := workflow.AwaitHook[bool](approval)
//	        if err != nil || !ok {
//	            return Receipt{}, err
//	        }
//
//	        wf.Sleep("cooling-off", 24*time.Hour)
//	        return Receipt{ChargeID: charge.ID}, nil
//	    },
//	)
//
// # Keys
//
// Each step, hook and sleep is addressed by "<name>#<n>", n counting the
// earlier calls with the same name in the same execution. Fan-out branches
// append "/<i>". Renaming or reordering calls between deployments changes
// keys; bump Definition.Version instead so in-flight runs keep replaying
// against the code that started them.
//
// # Run States
//
//	pending → running → completed | failed | cancelled
//	running ⇄ suspended
//
// # Key Types
//
//   - [Definition]: typed workflow descriptor
//   - [Run]: the durable run record
//   - [Runner]: activates runs against the journal
//   - [Future]: a step running concurrently with the body
//   - [Hook]: a token external callers resume the run with
package workflow
