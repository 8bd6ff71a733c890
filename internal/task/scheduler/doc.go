// Package scheduler runs the traversal control loop.
//
// Once per period the loop lists every registered source, reads its persisted
// schedule and submits at most one batch per source to the worker pool when
// the source is enabled, inside one of its hour windows and admitted by the
// load manager. Completed batches report back through a Recorder, which
// updates the load manager and auto-pauses exhausted sources.
package scheduler
