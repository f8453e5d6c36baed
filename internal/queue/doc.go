// Package queue persists pipeline jobs in SQLite and exposes the durable
// at-least-once delivery substrate the dispatcher and orchestrator share.
//
// Jobs live in named queues (one per stage family), carry an immutable JSON
// payload, and are claimed atomically in priority order with delayed
// scheduling via run_at. Failed jobs are rescheduled with exponential
// backoff until max_attempts is exhausted, at which point they become dead
// and surface to the orchestrator's failure path; nothing is silently
// dropped. Delivery is at-least-once, so every completion handler must be
// idempotent.
//
// Treat this package as the single source of truth for job semantics; when
// adding statuses or columns, update schema.go and bump schemaVersion.
package queue
