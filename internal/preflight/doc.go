// Package preflight provides readiness checks for the binaries, paths, and
// provider credentials the pipeline depends on.
//
// The daemon runs RunAll once at startup and refuses to serve when a
// required check fails; the CLI status command reuses the individual check
// functions to display health. Checks gated by a config toggle are skipped
// when the feature is disabled.
package preflight
