// Package daemon coordinates the background processing services: the queue
// dispatcher lanes, the cleanup reaper, and the upload ingress. A lock file
// enforces single-instance execution, and readiness checks run before any
// work is accepted.
package daemon
