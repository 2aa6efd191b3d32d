// Package jobs is the background job orchestration core: a Manager owning a
// fixed worker pool, a handler registry and an active-execution map, with
// durable lifecycle tracking behind the Store interface.
//
// Lifecycle:
//
//	pending -> running -> {completed | failed | cancelled}
//	pending -> cancelled (direct, while still unclaimed)
//
// Terminal states are final; the only thing that happens to a terminal row is
// eventual deletion by cleanup.
//
// Cancellation is strictly cooperative. Cancel flips a per-execution flag;
// the running handler observes it at its next checkpoint (UpdateProgress or
// CheckCancelled) and unwinds with ErrCancelled. Handlers that never
// checkpoint run to natural completion; that contract belongs to handler
// authors, not to the core.
//
// Typical wiring:
//
//	mgr := jobs.NewManager(store, jobs.Config{MaxWorkers: 4, Logger: log})
//	_ = mgr.RegisterHandler("repository_analysis", analysisHandler)
//	_ = mgr.Start(ctx)
//	id, err := mgr.Submit(ctx, "repository_analysis", projectID, params)
//	...
//	_ = mgr.Shutdown(ctx)
package jobs
