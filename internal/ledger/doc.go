// Package ledger persists process records, the durable per-upload state the
// pipeline reports into and reads back. One row tracks a source file from
// acceptance to completion: lifecycle status, monotonic progress, artifact
// locations, transcript segments, analysis outputs, and an append-only error
// log.
//
// Every mutation is field-scoped so concurrent stage writers never clobber
// each other: tags, title, todo, embedding, segments, and artifacts each get
// their own statement. Child tables carry the pieces that need stronger
// guarantees than a column update gives: segments are keyed (process_id, idx)
// so replayed appends are idempotent, and stage claims are keyed
// (process_id, stage_key) so racing completion handlers enqueue a follow-up
// stage at most once.
package ledger
