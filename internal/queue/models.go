package queue

import (
	"math"
	"time"
)

// Status represents the lifecycle of a queue job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Job is a unit of stage work persisted in SQLite.
type Job struct {
	ID        int64
	Queue     string
	Type      string
	ProcessID string
	// Payload is the immutable stage input, encoded as JSON at enqueue time.
	Payload       string
	Priority      int
	Status        Status
	Attempts      int
	MaxAttempts   int
	RunAt         time.Time
	LastError     string
	Result        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastHeartbeat *time.Time
}

// Options tunes a single enqueue call.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Terminal reports whether the job can no longer run.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusDead
}

// AttemptsExhausted reports whether another retry is allowed.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Backoff computes the delay before retry attempt n (1-based), doubling
// from base and capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && exp > float64(max) {
		return max
	}
	if exp > float64(math.MaxInt64) {
		return max
	}
	return time.Duration(exp)
}

// HealthSummary describes aggregated job counts per lifecycle state.
type HealthSummary struct {
	Pending int
	Running int
	Done    int
	Dead    int
}

// Total returns the overall job count.
func (h HealthSummary) Total() int {
	return h.Pending + h.Running + h.Done + h.Dead
}
