// Package pipeline contains the stage workers, the orchestrator, and the
// queue dispatcher that together drive a process record from accepted
// upload to completion.
//
// Workers execute one stage against stable inputs and persist their output
// through the ledger; they never decide what runs next. The orchestrator
// owns the stage graph: completion handlers enqueue follow-up stages,
// evaluate joins by asking "is the condition met now" against durable state,
// and route dead jobs by stage class. All handlers are idempotent because
// the queue delivers at least once; at-most-once enqueue is guaranteed by
// the ledger's stage claims, not by handler bookkeeping.
package pipeline
