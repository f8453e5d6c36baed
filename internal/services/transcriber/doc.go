// Package transcriber wraps the speech-to-text provider. One call uploads a
// single audio segment as multipart form data and returns the transcribed
// text with timestamped sub-segments, detected language, and per-segment
// log-probabilities the merge stage aggregates into a confidence score.
package transcriber
