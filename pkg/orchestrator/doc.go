// Package orchestrator runs the bounded agent loop: plan one action, execute
// it through the tool registry, feed the result back, repeat until a tool ends
// the run or the step budget is spent.
//
// Invariants:
//   - One run per session is active at a time; a session's work is serialized
//     on its command-queue lane.
//   - Run status only moves along store.CanTransition.
//   - A risky instruction suspends its run before any tool executes; the
//     planned call is stored and executed verbatim only on approval.
//   - Every run that leaves the loop publishes exactly one run_completed event
//     and has non-empty final content.
//
// Usage:
//
//	o, err := orchestrator.New(orchestrator.Config{Store: st, Registry: reg, Planner: p, Events: b, Queue: q, Logger: logger})
//	run, err := o.Submit(ctx, "session-1", "convert 100 USD to EUR")
package orchestrator
