// Package pool is the bounded executor that runs traversal batches.
//
// Tasks are plain functions taking a context. Each submission returns a
// Handle the caller uses to poll completion or request cancellation.
// Cancellation is cooperative: the task context is cancelled and the body is
// expected to notice at its next safe point.
package pool
