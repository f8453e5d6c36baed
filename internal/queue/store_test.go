package queue

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndClaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "media", "compress-video", "p-1", `{"path":"/tmp/v.mp4"}`, Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}

	claimed, err := store.ClaimNext(ctx, "media")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed job")
	}
	if claimed.ID != job.ID {
		t.Errorf("claimed job %d, want %d", claimed.ID, job.ID)
	}
	if claimed.Status != StatusRunning {
		t.Errorf("status = %s, want running", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", claimed.Attempts)
	}
	if claimed.Payload != `{"path":"/tmp/v.mp4"}` {
		t.Errorf("payload mutated: %q", claimed.Payload)
	}

	// Claimed job is not visible to a second claimer.
	second, err := store.ClaimNext(ctx, "media")
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if second != nil {
		t.Fatalf("job claimed twice: %+v", second)
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	low, _ := store.Enqueue(ctx, "ai", "generate-todo", "p-1", "", Options{Priority: 0})
	high, _ := store.Enqueue(ctx, "ai", "generate-title", "p-1", "", Options{Priority: 5})
	mid, _ := store.Enqueue(ctx, "ai", "generate-tags", "p-1", "", Options{Priority: 2})

	wantOrder := []int64{high.ID, mid.ID, low.ID}
	for i, want := range wantOrder {
		job, err := store.ClaimNext(ctx, "ai")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("claim %d: got %+v, want id %d", i, job, want)
		}
	}
}

func TestDelayedJobNotDueYet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := openTestStore(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "finalize", "cleanup-local", "p-1", "", Options{Delay: time.Minute}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := store.ClaimNext(ctx, "finalize")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Fatalf("delayed job claimed early: %+v", job)
	}

	later := now.Add(2 * time.Minute)
	*clock = later
	job, err = store.ClaimNext(ctx, "finalize")
	if err != nil {
		t.Fatalf("ClaimNext after delay: %v", err)
	}
	if job == nil {
		t.Fatal("expected job to be due after delay")
	}
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := openTestStore(t,
		WithClock(func() time.Time { return *clock }),
		WithRetryBackoff(2*time.Second, time.Minute),
	)
	ctx := context.Background()

	job, _ := store.Enqueue(ctx, "media", "extract-audio", "p-1", "", Options{MaxAttempts: 3})
	claimed, _ := store.ClaimNext(ctx, "media")
	if claimed == nil || claimed.ID != job.ID {
		t.Fatal("claim failed")
	}

	failed, err := store.MarkFailed(ctx, job.ID, "disk busy", true)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != StatusPending {
		t.Fatalf("status = %s, want pending for retry", failed.Status)
	}
	if failed.LastError != "disk busy" {
		t.Errorf("last_error = %q", failed.LastError)
	}
	wantRunAt := now.Add(2 * time.Second) // attempt 1 -> base delay
	if !failed.RunAt.Equal(wantRunAt) {
		t.Errorf("run_at = %v, want %v", failed.RunAt, wantRunAt)
	}
}

func TestMarkFailedExhaustionGoesDead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, _ := store.Enqueue(ctx, "media", "compress-video", "p-1", "", Options{MaxAttempts: 1})
	if _, err := store.ClaimNext(ctx, "media"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := store.MarkFailed(ctx, job.ID, "ffmpeg exit 1", true)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != StatusDead {
		t.Fatalf("status = %s, want dead after exhaustion", failed.Status)
	}

	// Dead jobs are never claimed again.
	if next, _ := store.ClaimNext(ctx, "media"); next != nil {
		t.Fatalf("dead job reclaimed: %+v", next)
	}
}

func TestMarkFailedNonRetryableGoesDeadImmediately(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, _ := store.Enqueue(ctx, "finalize", "cleanup-local", "p-1", "", Options{MaxAttempts: 5})
	if _, err := store.ClaimNext(ctx, "finalize"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := store.MarkFailed(ctx, job.ID, "path outside allowed roots", false)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != StatusDead {
		t.Fatalf("status = %s, want dead for non-retryable failure", failed.Status)
	}
}

func TestMarkDoneStoresResult(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, _ := store.Enqueue(ctx, "transcribe", "transcribe-segment", "p-1", "", Options{})
	if _, err := store.ClaimNext(ctx, "transcribe"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDone(ctx, job.ID, `{"text":"hello"}`); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if done.Status != StatusDone {
		t.Errorf("status = %s, want done", done.Status)
	}
	if done.Result != `{"text":"hello"}` {
		t.Errorf("result = %q", done.Result)
	}
}

func TestReclaimStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := openTestStore(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()

	job, _ := store.Enqueue(ctx, "media", "segment-audio", "p-1", "", Options{MaxAttempts: 3})
	if _, err := store.ClaimNext(ctx, "media"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Heartbeat still fresh: nothing reclaimed.
	count, err := store.ReclaimStale(ctx, now.Add(-time.Minute), "media")
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 0 {
		t.Fatalf("reclaimed %d fresh jobs", count)
	}

	later := now.Add(10 * time.Minute)
	*clock = later
	count, err = store.ReclaimStale(ctx, later.Add(-time.Minute), "media")
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("reclaimed = %d, want 1", count)
	}

	reclaimed, _ := store.GetByID(ctx, job.ID)
	if reclaimed.Status != StatusPending {
		t.Errorf("status = %s, want pending after reclaim", reclaimed.Status)
	}
	if reclaimed.Attempts != 1 {
		t.Errorf("attempts = %d, interrupted attempt should stay counted", reclaimed.Attempts)
	}
}

func TestJobsByProcess(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _ = store.Enqueue(ctx, "media", "compress-video", "p-1", "", Options{})
	_, _ = store.Enqueue(ctx, "media", "extract-audio", "p-1", "", Options{})
	_, _ = store.Enqueue(ctx, "media", "compress-video", "p-2", "", Options{})

	jobs, err := store.JobsByProcess(ctx, "p-1")
	if err != nil {
		t.Fatalf("JobsByProcess: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
}

func TestHealthCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.Enqueue(ctx, "media", "compress-video", "p-1", "", Options{MaxAttempts: 1})
	_, _ = store.Enqueue(ctx, "media", "extract-audio", "p-1", "", Options{})
	if _, err := store.ClaimNext(ctx, "media"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.MarkFailed(ctx, a.ID, "boom", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Dead != 1 || health.Pending != 1 {
		t.Errorf("health = %+v, want 1 dead and 1 pending", health)
	}
	if health.Total() != 2 {
		t.Errorf("total = %d, want 2", health.Total())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
