package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"distill/internal/services"
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

func createTestRecord(t *testing.T, store *Store) *Record {
	t.Helper()
	record, err := store.Create(context.Background(), "tenant-1", "owner-1", Artifact{
		Path: "/work/uploads/meeting.mp4",
		Size: 1 << 20,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return record
}

func TestCreateInitializesRecord(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)

	if record.ID == "" {
		t.Fatal("record has no id")
	}
	if record.Status != StatusUploaded {
		t.Errorf("status = %s, want uploaded", record.Status)
	}
	if record.Original == nil || record.Original.Storage != StorageLocal {
		t.Errorf("original artifact = %+v, want local", record.Original)
	}
	if record.TagsState != AnalysisPending || record.EmbeddingState != AnalysisPending {
		t.Errorf("analysis states not pending: tags=%s embedding=%s", record.TagsState, record.EmbeddingState)
	}
	if record.PendingVideoState != PendingVideoAbsent {
		t.Errorf("pending video state = %s, want absent", record.PendingVideoState)
	}
}

func TestSetStatusNeverRegresses(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.SetStatus(ctx, record.ID, StatusTranscribing); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// Replayed earlier transition must be a silent no-op.
	if err := store.SetStatus(ctx, record.ID, StatusProcessingMedia); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if got.Status != StatusTranscribing {
		t.Fatalf("status = %s, regressed from transcribing", got.Status)
	}
}

func TestSetStatusFailedFromAnyNonTerminalState(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.SetStatus(ctx, record.ID, StatusAnalyzing); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.SetStatus(ctx, record.ID, StatusFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Terminal records never resurrect.
	if err := store.SetStatus(ctx, record.ID, StatusCompleted); err != nil {
		t.Fatalf("post-terminal set: %v", err)
	}
	got, _ := store.GetByID(ctx, record.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed to stay terminal", got.Status)
	}
}

func TestSetStatusUnknownRecord(t *testing.T) {
	store := openTestStore(t)
	err := store.SetStatus(context.Background(), "no-such-id", StatusAnalyzing)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.UpdateProgress(ctx, record.ID, 60, "merging transcripts"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	// A stale writer reporting an earlier checkpoint is dropped.
	if err := store.UpdateProgress(ctx, record.ID, 25, "transcribing"); err != nil {
		t.Fatalf("stale UpdateProgress: %v", err)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if got.ProgressPercent != 60 {
		t.Errorf("progress = %d, want 60", got.ProgressPercent)
	}
	if got.ProgressStep != "merging transcripts" {
		t.Errorf("step = %q, stale writer overwrote label", got.ProgressStep)
	}
}

func TestProgressFrozenAfterFailure(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	_ = store.UpdateProgress(ctx, record.ID, 25, "transcribing")
	if err := store.MarkFailed(ctx, record.ID, "transcribe-segment", "provider unreachable", ""); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := store.UpdateProgress(ctx, record.ID, 90, "late writer"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if got.ProgressPercent != 25 {
		t.Errorf("progress = %d, moved after failure", got.ProgressPercent)
	}
}

func TestAppendSegmentIdempotent(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	first := Segment{Index: 2, Text: "first delivery", Start: 1200, End: 1800}
	inserted, err := store.AppendSegment(ctx, record.ID, first)
	if err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	if !inserted {
		t.Fatal("first append reported duplicate")
	}

	// Redelivered job result for the same index must not double-count.
	replay := Segment{Index: 2, Text: "second delivery", Start: 1200, End: 1800}
	inserted, err = store.AppendSegment(ctx, record.ID, replay)
	if err != nil {
		t.Fatalf("replay AppendSegment: %v", err)
	}
	if inserted {
		t.Fatal("replayed append counted twice")
	}

	count, err := store.CountSegments(ctx, record.ID)
	if err != nil {
		t.Fatalf("CountSegments: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	segments, err := store.Segments(ctx, record.ID)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if segments[0].Text != "first delivery" {
		t.Errorf("text = %q, replay overwrote first result", segments[0].Text)
	}
}

func TestSegmentsOrderedByIndex(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	for _, idx := range []int{3, 0, 2, 1} {
		if _, err := store.AppendSegment(ctx, record.ID, Segment{Index: idx}); err != nil {
			t.Fatalf("AppendSegment(%d): %v", idx, err)
		}
	}
	segments, err := store.Segments(ctx, record.ID)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	for i, segment := range segments {
		if segment.Index != i {
			t.Fatalf("segment %d has index %d, want sorted order", i, segment.Index)
		}
	}
}

func TestTryClaimStageAtMostOnce(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	claimed, err := store.TryClaimStage(ctx, record.ID, "generate-embedding")
	if err != nil {
		t.Fatalf("TryClaimStage: %v", err)
	}
	if !claimed {
		t.Fatal("first claim refused")
	}

	// The racing completion handler loses the claim.
	claimed, err = store.TryClaimStage(ctx, record.ID, "generate-embedding")
	if err != nil {
		t.Fatalf("second TryClaimStage: %v", err)
	}
	if claimed {
		t.Fatal("stage claimed twice")
	}

	// Other stages and other records are unaffected.
	if claimed, _ = store.TryClaimStage(ctx, record.ID, "merge-transcripts"); !claimed {
		t.Error("different stage blocked by unrelated claim")
	}
	other := createTestRecord(t, store)
	if claimed, _ = store.TryClaimStage(ctx, other.ID, "generate-embedding"); !claimed {
		t.Error("different record blocked by unrelated claim")
	}
}

func TestStageJobBookkeeping(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if _, err := store.TryClaimStage(ctx, record.ID, "compress-video"); err != nil {
		t.Fatalf("TryClaimStage: %v", err)
	}
	if err := store.SetStageJob(ctx, record.ID, "compress-video", 41); err != nil {
		t.Fatalf("SetStageJob: %v", err)
	}
	// Upsert path for stages recorded without a prior claim.
	if err := store.SetStageJob(ctx, record.ID, "extract-audio", 42); err != nil {
		t.Fatalf("SetStageJob upsert: %v", err)
	}

	jobs, err := store.StageJobs(ctx, record.ID)
	if err != nil {
		t.Fatalf("StageJobs: %v", err)
	}
	if jobs["compress-video"] != 41 || jobs["extract-audio"] != 42 {
		t.Fatalf("stage jobs = %v", jobs)
	}
}

func TestSetEmbeddingEnforcesDimension(t *testing.T) {
	store := openTestStore(t, WithEmbeddingDimension(4))
	record := createTestRecord(t, store)
	ctx := context.Background()

	err := store.SetEmbedding(ctx, record.ID, []float64{0.1, 0.2}, "title_tags", AnalysisDone)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation rejection for wrong dimension", err)
	}

	// Empty vector is the documented fallback for rejected outputs.
	if err := store.SetEmbedding(ctx, record.ID, nil, "title_tags", AnalysisFailed); err != nil {
		t.Fatalf("empty SetEmbedding: %v", err)
	}
	if err := store.SetEmbedding(ctx, record.ID, []float64{1, 2, 3, 4}, "transcript", AnalysisDone); err != nil {
		t.Fatalf("full SetEmbedding: %v", err)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if len(got.Embedding) != 4 || got.EmbeddingMethod != "transcript" {
		t.Errorf("embedding = %v method = %q", got.Embedding, got.EmbeddingMethod)
	}
}

func TestAnalysisStatesAndGate(t *testing.T) {
	store := openTestStore(t, WithEmbeddingDimension(4))
	record := createTestRecord(t, store)
	ctx := context.Background()

	if record.EmbeddingGateOpen() {
		t.Fatal("gate open with nothing attempted")
	}

	if err := store.SetTags(ctx, record.ID, []Tag{{Name: "meeting", Weight: 0.8}}, AnalysisDone); err != nil {
		t.Fatalf("SetTags: %v", err)
	}
	got, _ := store.GetByID(ctx, record.ID)
	if got.EmbeddingGateOpen() {
		t.Fatal("gate open with title still pending")
	}

	if err := store.SetTitle(ctx, record.ID, "Weekly Sync", AnalysisFallback); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	got, _ = store.GetByID(ctx, record.ID)
	if !got.EmbeddingGateOpen() {
		t.Fatal("gate closed after tags and title both attempted")
	}
	if got.AnalysisClosed() {
		t.Fatal("analysis closed with todo and embedding pending")
	}

	if err := store.SetTodo(ctx, record.ID, nil, AnalysisFallback); err != nil {
		t.Fatalf("SetTodo: %v", err)
	}
	// A failed embedding attempt still counts toward closure.
	if err := store.SetEmbedding(ctx, record.ID, nil, "", AnalysisFailed); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	got, _ = store.GetByID(ctx, record.ID)
	if !got.AnalysisClosed() {
		t.Fatalf("analysis open at %d/4 after all four attempted", got.AnalysisReady())
	}
}

func TestPendingVideoTwoPhaseCommit(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	result := VideoResult{Path: "/work/" + record.ID + "/compressed.mp4", Size: 512, Codec: "h264"}
	if err := store.SetPendingVideo(ctx, record.ID, result); err != nil {
		t.Fatalf("SetPendingVideo: %v", err)
	}
	got, _ := store.GetByID(ctx, record.ID)
	if got.PendingVideoState != PendingVideoPending {
		t.Fatalf("state = %s, want pending", got.PendingVideoState)
	}
	if got.Processed != nil {
		t.Fatal("processed artifact set before commit")
	}

	if err := store.CommitPendingVideo(ctx, record.ID); err != nil {
		t.Fatalf("CommitPendingVideo: %v", err)
	}
	got, _ = store.GetByID(ctx, record.ID)
	if got.PendingVideoState != PendingVideoCommitted {
		t.Fatalf("state = %s, want committed", got.PendingVideoState)
	}
	if got.Processed == nil || got.Processed.Path != result.Path || got.Processed.Size != result.Size {
		t.Fatalf("processed = %+v, want promoted pending result", got.Processed)
	}
	if got.Processed.Storage != StorageLocal {
		t.Errorf("processed storage = %s, want local", got.Processed.Storage)
	}
}

func TestRejectPendingVideo(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.SetPendingVideo(ctx, record.ID, VideoResult{Path: "/work/out.mp4"}); err != nil {
		t.Fatalf("SetPendingVideo: %v", err)
	}
	if err := store.RejectPendingVideo(ctx, record.ID); err != nil {
		t.Fatalf("RejectPendingVideo: %v", err)
	}
	got, _ := store.GetByID(ctx, record.ID)
	if got.PendingVideoState != PendingVideoAbsent || got.PendingVideo != nil {
		t.Fatalf("pending = %+v state = %s, want cleared", got.PendingVideo, got.PendingVideoState)
	}

	// Commit after reject must not fabricate a processed artifact.
	if err := store.CommitPendingVideo(ctx, record.ID); err != nil {
		t.Fatalf("CommitPendingVideo: %v", err)
	}
	got, _ = store.GetByID(ctx, record.ID)
	if got.Processed != nil {
		t.Fatalf("processed = %+v after commit with nothing pending", got.Processed)
	}
}

func TestRemoteConfirmationAndLocalCleanup(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.SetProcessed(ctx, record.ID, Artifact{Path: "/work/out.mp4", Size: 256}); err != nil {
		t.Fatalf("SetProcessed: %v", err)
	}
	if err := store.SetAudio(ctx, record.ID, Artifact{Path: "/work/audio.wav", Size: 64}, 712.5); err != nil {
		t.Fatalf("SetAudio: %v", err)
	}
	if err := store.SetRemote(ctx, record.ID, RemoteRef{Bucket: "media", Key: "tenant-1/out.mp4"}); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if got.Remote == nil || got.Remote.Bucket != "media" {
		t.Fatalf("remote = %+v", got.Remote)
	}
	if got.Processed.Storage != StorageRemote {
		t.Errorf("processed storage = %s, want remote after confirmation", got.Processed.Storage)
	}
	if got.AudioDuration != 712.5 {
		t.Errorf("audio duration = %v", got.AudioDuration)
	}

	if err := store.MarkLocalDeleted(ctx, record.ID); err != nil {
		t.Fatalf("MarkLocalDeleted: %v", err)
	}
	got, _ = store.GetByID(ctx, record.ID)
	if got.Original.Storage != StorageDeleted || got.Audio.Storage != StorageDeleted {
		t.Errorf("local storages = %s/%s, want deleted", got.Original.Storage, got.Audio.Storage)
	}
	if got.Processed.Storage != StorageRemote {
		t.Errorf("processed storage = %s, cleanup touched the remote artifact", got.Processed.Storage)
	}
}

func TestErrorLogAppendsAndPreservesPartials(t *testing.T) {
	store := openTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	if err := store.SetTags(ctx, record.ID, []Tag{{Name: "video", Weight: 0.3}}, AnalysisFallback); err != nil {
		t.Fatalf("SetTags: %v", err)
	}
	_ = store.RecordError(ctx, record.ID, "generate-tags", "provider timeout", "attempt 1")
	if err := store.MarkFailed(ctx, record.ID, "compress-video", "ffmpeg exit 1", "attempt 3"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	entries, err := store.Errors(ctx, record.ID)
	if err != nil {
		t.Fatalf("Errors: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Stage != "generate-tags" || entries[1].Stage != "compress-video" {
		t.Fatalf("entries out of order: %+v", entries)
	}

	got, _ := store.GetByID(ctx, record.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if len(got.Tags) != 1 {
		t.Errorf("partial tags lost on failure: %+v", got.Tags)
	}
}

func TestStalledBefore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := openTestStore(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()

	stalled := createTestRecord(t, store)
	finished := createTestRecord(t, store)
	_ = store.SetStatus(ctx, finished.ID, StatusCompleted)

	later := now.Add(3 * time.Hour)
	*clock = later
	fresh := createTestRecord(t, store)

	records, err := store.StalledBefore(ctx, later.Add(-time.Hour))
	if err != nil {
		t.Fatalf("StalledBefore: %v", err)
	}
	if len(records) != 1 || records[0].ID != stalled.ID {
		t.Fatalf("stalled = %+v, want only the old active record", records)
	}
	_ = fresh
}

func TestCountByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := createTestRecord(t, store)
	b := createTestRecord(t, store)
	createTestRecord(t, store)
	_ = store.SetStatus(ctx, a.ID, StatusCompleted)
	_ = store.SetStatus(ctx, b.ID, StatusFailed)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusCompleted] != 1 || counts[StatusFailed] != 1 || counts[StatusUploaded] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
