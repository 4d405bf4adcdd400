// Package batcher coalesces fine-grained entity lookups into one backend
// round trip per query type and distributes the results to every caller.
//
// Callers register interest with Subscribe. The first registration of a
// window arms a short timer; when it fires, all pending request groups are
// snapshotted and cleared, each group issues exactly one backend fetch, and
// every waiter registered before the snapshot is invoked once with the value
// its query type's filter derives from the response.
//
// State transitions:
//
//	Idle     --subscribe-->        Armed
//	Armed    --timer / max size--> Flushing
//	Flushing --subscribe-->        Flushing (a new window is armed)
//	Flushing --cycle done-->       Flushing (pending work is flushed immediately)
//	Flushing --cycle done-->       Idle     (nothing pending)
//
// Example configuration:
//
//	{
//	  "batching": {
//	    "delay": 10,
//	    "maxBatchSize": 500
//	  }
//	}
package batcher
