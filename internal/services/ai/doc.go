// Package ai wraps the chat-completion API the analysis stages call for
// tags, title, and todo generation. Requests are JSON-only completions with
// retry and exponential backoff; responses are decoded tolerantly because
// models wrap payloads in code fences or prose. Deterministic fallbacks for
// failed generations live with the pipeline workers, not here.
package ai
