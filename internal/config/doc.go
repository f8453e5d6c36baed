// Package config loads, validates, and normalizes the TOML configuration
// shared by the daemon and CLI.
//
// Load resolves the config path (explicit flag, then ~/.config/distill,
// then ./distill.toml), decodes over Default(), expands ~ in every path
// field, and validates cross-field constraints. Callers receive a fully
// resolved Config; nothing downstream re-reads the environment.
package config
