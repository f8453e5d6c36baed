// Package logging builds slog loggers for the daemon and CLI.
//
// Loggers are constructed from Options (level, format, output paths) or
// directly from application config. Two formats exist: "console" for
// interactive terminals and "json" for machine-readable daemon logs; the
// "auto" format picks console when stdout is a TTY.
//
// The package also exports typed attribute helpers and the standardized
// field names used across the pipeline so log queries stay stable.
package logging
