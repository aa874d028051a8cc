// Package dispatch drives per-identity drain loops over a queue.Registry.
//
// Submit enqueues a work item and, when no loop owns the identity, starts one
// on a new goroutine. The loop pops items one at a time and runs the response
// pipeline outside any registry lock. Before exiting it calls
// Registry.ReleaseIfEmpty, so an item enqueued between the last empty PopFront
// and the release is still picked up by the same loop.
//
// Each turn runs under its own timeout. Errors and panics from the pipeline
// are contained per item: they are logged, recorded in the turn log, and the
// loop moves on to the next item. Nothing is retried.
//
// Callers never wait on processing. The only completion signals are the
// delivery sink, the turn log, and the events hub.
package dispatch
