// Package storage is the object storage gateway the upload stage pushes
// processed artifacts through. The pipeline depends on the Gateway
// interface; the MinIO implementation behind it treats removal and
// existence checks as idempotent so the upload worker can confirm and
// retry safely.
package storage
