// Package cleanup guards every local file deletion the pipeline performs
// and runs the background reaper.
//
// Deletion is validated twice: the path must resolve under one of the
// configured storage roots, and the path must look owned by the pipeline
// (it carries the process id, a UUID, a 24-hex object id, or the segments
// directory marker). Anything else is refused, never deleted. The reaper
// sweeps aged orphan artifacts out of the storage roots and fails records
// stuck past the processing budget.
package cleanup
