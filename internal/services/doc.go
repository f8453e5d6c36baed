// Package services defines the shared error taxonomy and context plumbing
// for external collaborators (transcription, AI generation, embeddings,
// object storage, ffmpeg).
//
// Stage workers tag failures with one of the exported sentinel errors so the
// orchestrator can decide between retry, fallback output, and terminal
// failure without inspecting provider-specific error strings.
package services
