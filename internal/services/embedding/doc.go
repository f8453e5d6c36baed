// Package embedding wraps the embeddings API. The client enforces the
// vector dimension contract at the boundary: a response whose vector length
// differs from the configured model dimension is rejected as invalid rather
// than passed downstream.
package embedding
