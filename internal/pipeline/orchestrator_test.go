package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"distill/internal/ledger"
	"distill/internal/queue"
	"distill/internal/services"
)

func TestStartLaunchesBothBranchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	if err := f.pipeline.Start(ctx, record); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// A crashed caller may replay Start; the stage claims absorb it.
	if err := f.pipeline.Start(ctx, record); err != nil {
		t.Fatalf("replayed Start: %v", err)
	}

	if n := len(f.jobsOfType(t, record.ID, StageCompressVideo)); n != 1 {
		t.Errorf("compress jobs = %d, want 1", n)
	}
	if n := len(f.jobsOfType(t, record.ID, StageExtractAudio)); n != 1 {
		t.Errorf("extract jobs = %d, want 1", n)
	}

	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusProcessingMedia {
		t.Errorf("status = %s, want processing_media", got.Status)
	}
}

func TestExtractCompletionEnqueuesSegmenting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	result, _ := json.Marshal(extractResult{AudioPath: "/work/audio.wav", Duration: 700})
	job := &queue.Job{Type: StageExtractAudio, ProcessID: record.ID, Result: string(result)}
	if err := f.pipeline.HandleCompletion(ctx, job); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	segmentJobs := f.jobsOfType(t, record.ID, StageSegmentAudio)
	if len(segmentJobs) != 1 {
		t.Fatalf("segment jobs = %d, want 1", len(segmentJobs))
	}
	var payload segmentPayload
	if err := json.Unmarshal([]byte(segmentJobs[0].Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.AudioPath != "/work/audio.wav" || payload.Duration != 700 {
		t.Errorf("payload = %+v", payload)
	}

	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusAudioExtracted {
		t.Errorf("status = %s, want audio_extracted", got.Status)
	}
	if got.ProgressPercent != progressExtracted {
		t.Errorf("progress = %d, want %d", got.ProgressPercent, progressExtracted)
	}
}

func TestSegmentCompletionFansOutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	result, _ := json.Marshal(segmentResult{Count: 2, Chunks: []segmentChunk{
		{Index: 0, Path: "/work/segments/segment_000.wav", Start: 0, Duration: 600},
		{Index: 1, Path: "/work/segments/segment_001.wav", Start: 600, Duration: 100},
	}})
	job := &queue.Job{Type: StageSegmentAudio, ProcessID: record.ID, Result: string(result)}

	if err := f.pipeline.HandleCompletion(ctx, job); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if err := f.pipeline.HandleCompletion(ctx, job); err != nil {
		t.Fatalf("replayed HandleCompletion: %v", err)
	}

	if n := len(f.jobsOfType(t, record.ID, StageTranscribeSegment)); n != 2 {
		t.Fatalf("transcribe jobs = %d, want 2", n)
	}
}

func TestEmbeddingGateRequiresTagsAndTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	if err := f.ledger.SetTags(ctx, record.ID, []ledger.Tag{{Name: "demo", Weight: 0.9}}, ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	tagsDone := &queue.Job{Type: StageGenerateTags, ProcessID: record.ID}
	if err := f.pipeline.HandleCompletion(ctx, tagsDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 0 {
		t.Fatalf("embedding enqueued before title resolved (%d jobs)", n)
	}

	if err := f.ledger.SetTitle(ctx, record.ID, "Demo", ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	titleDone := &queue.Job{Type: StageGenerateTitle, ProcessID: record.ID}
	if err := f.pipeline.HandleCompletion(ctx, titleDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 1 {
		t.Fatalf("embedding jobs = %d, want 1", n)
	}

	// Replays from either branch must not enqueue a second embedding job.
	if err := f.pipeline.HandleCompletion(ctx, tagsDone); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.HandleCompletion(ctx, titleDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 1 {
		t.Fatalf("embedding jobs after replays = %d, want 1", n)
	}
}

func TestEmbeddingGateTitleFirstThenTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	if err := f.ledger.SetTitle(ctx, record.ID, "Demo", ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	titleDone := &queue.Job{Type: StageGenerateTitle, ProcessID: record.ID}
	if err := f.pipeline.HandleCompletion(ctx, titleDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 0 {
		t.Fatalf("embedding enqueued before tags resolved (%d jobs)", n)
	}

	if err := f.ledger.SetTags(ctx, record.ID, []ledger.Tag{{Name: "demo", Weight: 0.9}}, ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	tagsDone := &queue.Job{Type: StageGenerateTags, ProcessID: record.ID}
	if err := f.pipeline.HandleCompletion(ctx, tagsDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 1 {
		t.Fatalf("embedding jobs = %d, want exactly 1 when tags finish second", n)
	}

	if err := f.pipeline.HandleCompletion(ctx, titleDone); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.HandleCompletion(ctx, tagsDone); err != nil {
		t.Fatal(err)
	}
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 1 {
		t.Fatalf("embedding jobs after replays = %d, want 1", n)
	}
}

func TestSkippedSegmentStillClosesFanIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	if err := f.ledger.SetExpectedSegments(ctx, record.ID, 2); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(f.cfg.Paths.WorkDir, record.ID, "segments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "segment_000.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	spoken := filepath.Join(dir, "segment_001.wav")
	if err := os.WriteFile(spoken, []byte("pcm"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs := []*queue.Job{
		{ID: 101, Type: StageTranscribeSegment, ProcessID: record.ID, Payload: marshalPayload(t, transcribePayload{Index: 0, Path: empty, Start: 0, Duration: 600})},
		{ID: 102, Type: StageTranscribeSegment, ProcessID: record.ID, Payload: marshalPayload(t, transcribePayload{Index: 1, Path: spoken, Start: 600, Duration: 100})},
	}
	for _, job := range jobs {
		if _, err := f.pipeline.runTranscribeSegment(ctx, job); err != nil {
			t.Fatalf("runTranscribeSegment(%d): %v", job.ID, err)
		}
		if err := f.pipeline.HandleCompletion(ctx, job); err != nil {
			t.Fatalf("HandleCompletion(%d): %v", job.ID, err)
		}
	}

	if n := len(f.jobsOfType(t, record.ID, StageMergeTranscripts)); n != 1 {
		t.Fatalf("merge jobs = %d, want 1 after both segments landed", n)
	}

	merge := &queue.Job{Type: StageMergeTranscripts, ProcessID: record.ID}
	if _, err := f.pipeline.runMergeTranscripts(ctx, merge); err != nil {
		t.Fatalf("runMergeTranscripts: %v", err)
	}
	got := f.mustRecord(t, record.ID)
	if got.Transcript == nil || got.Transcript.Text != "hello world" {
		t.Fatalf("transcript = %+v, want text from the one valid segment", got.Transcript)
	}
	if got.Transcript.SegmentCount != 1 {
		t.Errorf("segment count = %d, want 1 (skipped excluded)", got.Transcript.SegmentCount)
	}
}

func TestRejectedEmbeddingDoesNotFailRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)
	f.embedder.err = services.Wrap(services.ErrValidation, "embedding", "verify", "dimension mismatch", nil)

	prepareAnalyzedRecord(t, f, record)
	pending := writePendingVideo(t, f, record)

	embedJob := &queue.Job{Type: StageGenerateEmbedding, ProcessID: record.ID}
	if _, err := f.pipeline.runGenerateEmbedding(ctx, embedJob); err != nil {
		t.Fatalf("runGenerateEmbedding: %v", err)
	}
	if err := f.pipeline.HandleCompletion(ctx, embedJob); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	got := f.mustRecord(t, record.ID)
	if got.EmbeddingState != ledger.AnalysisFailed {
		t.Fatalf("embedding state = %s, want failed", got.EmbeddingState)
	}
	if got.Embedding != nil {
		t.Fatal("rejected vector was stored")
	}
	if got.Status == ledger.StatusFailed {
		t.Fatal("embedding rejection failed the record")
	}
	// The join still fired: pending video committed, cleanup on its way.
	if got.PendingVideoState != ledger.PendingVideoCommitted {
		t.Fatalf("pending video state = %s, want committed", got.PendingVideoState)
	}
	if got.Processed == nil || got.Processed.Path != pending {
		t.Fatalf("processed = %+v, want committed pending video", got.Processed)
	}
	if got.Status != ledger.StatusCleaningLocal {
		t.Fatalf("status = %s, want cleaning_local_files", got.Status)
	}
	if n := len(f.jobsOfType(t, record.ID, StageCleanupLocal)); n != 1 {
		t.Fatalf("cleanup jobs = %d, want 1", n)
	}
}

func TestCleanupCompletionFinishesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	prepareAnalyzedRecord(t, f, record)
	writePendingVideo(t, f, record)
	embedJob := &queue.Job{Type: StageGenerateEmbedding, ProcessID: record.ID}
	if _, err := f.pipeline.runGenerateEmbedding(ctx, embedJob); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.HandleCompletion(ctx, embedJob); err != nil {
		t.Fatal(err)
	}

	cleanupJob := &queue.Job{Type: StageCleanupLocal, ProcessID: record.ID}
	if _, err := f.pipeline.runCleanupLocal(ctx, cleanupJob); err != nil {
		t.Fatalf("runCleanupLocal: %v", err)
	}
	if err := f.pipeline.HandleCompletion(ctx, cleanupJob); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ProgressPercent != progressCompleted {
		t.Errorf("progress = %d, want %d", got.ProgressPercent, progressCompleted)
	}
	if got.Original.Storage != ledger.StorageDeleted {
		t.Errorf("original storage = %s, want deleted", got.Original.Storage)
	}
	if _, err := os.Stat(got.Original.Path); !os.IsNotExist(err) {
		t.Error("original file survived cleanup")
	}
	if len(f.notifier.completed) != 1 || f.notifier.completed[0] != record.ID {
		t.Errorf("completed notifications = %v", f.notifier.completed)
	}
}

func TestDeadUploadFailsRecordAndKeepsLocalFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	job := &queue.Job{Type: StageUploadRemote, ProcessID: record.ID, Status: queue.StatusDead}
	if err := f.pipeline.HandleDead(ctx, job, "connection refused"); err != nil {
		t.Fatalf("HandleDead: %v", err)
	}

	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Original.Storage != ledger.StorageLocal {
		t.Errorf("original storage = %s, local files must survive a failed upload", got.Original.Storage)
	}
	if _, err := os.Stat(got.Original.Path); err != nil {
		t.Errorf("original file missing after failed upload: %v", err)
	}
	if len(f.notifier.failed) != 1 {
		t.Errorf("failed notifications = %v", f.notifier.failed)
	}
}

func TestDeadAnalysisJobsFallBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	for _, stage := range []string{StageGenerateTags, StageGenerateTitle, StageGenerateTodo} {
		job := &queue.Job{Type: stage, ProcessID: record.ID, Status: queue.StatusDead}
		if err := f.pipeline.HandleDead(ctx, job, "provider unavailable"); err != nil {
			t.Fatalf("HandleDead(%s): %v", stage, err)
		}
	}

	got := f.mustRecord(t, record.ID)
	if got.TagsState != ledger.AnalysisFallback || got.TitleState != ledger.AnalysisFallback || got.TodoState != ledger.AnalysisFallback {
		t.Fatalf("states = %s/%s/%s, want done_fallback for all", got.TagsState, got.TitleState, got.TodoState)
	}
	if len(got.Tags) != len(FallbackTags()) || got.Tags[0].Name != "video" {
		t.Errorf("tags = %+v, want fallback set", got.Tags)
	}
	if got.Title == "" {
		t.Error("fallback title is empty")
	}
	if got.Status == ledger.StatusFailed {
		t.Error("analysis fallback failed the record")
	}
	// Tags and title were both attempted, so the gate opened.
	if n := len(f.jobsOfType(t, record.ID, StageGenerateEmbedding)); n != 1 {
		t.Errorf("embedding jobs = %d, want 1", n)
	}

	entries, err := f.ledger.Errors(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("error entries = %d, want one per fallback", len(entries))
	}
}

func TestDeadTranscribeSegmentSkipsAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	if err := f.ledger.SetExpectedSegments(ctx, record.ID, 1); err != nil {
		t.Fatal(err)
	}
	job := &queue.Job{
		ID:        7,
		Type:      StageTranscribeSegment,
		ProcessID: record.ID,
		Status:    queue.StatusDead,
		Payload:   marshalPayload(t, transcribePayload{Index: 0, Path: "/gone.wav", Start: 0, Duration: 600}),
	}
	if err := f.pipeline.HandleDead(ctx, job, "file vanished"); err != nil {
		t.Fatalf("HandleDead: %v", err)
	}

	segments, err := f.ledger.Segments(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 || !segments[0].Skipped {
		t.Fatalf("segments = %+v, want one skipped", segments)
	}
	if n := len(f.jobsOfType(t, record.ID, StageMergeTranscripts)); n != 1 {
		t.Fatalf("merge jobs = %d, want fan-in to close on the skip", n)
	}
}

func TestDeadCleanupStillCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	job := &queue.Job{Type: StageCleanupLocal, ProcessID: record.ID, Status: queue.StatusDead}
	if err := f.pipeline.HandleDead(ctx, job, "directory busy"); err != nil {
		t.Fatalf("HandleDead: %v", err)
	}

	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed despite cleanup failure", got.Status)
	}
	entries, _ := f.ledger.Errors(ctx, record.ID)
	if len(entries) != 1 {
		t.Errorf("error entries = %d, want the cleanup failure logged", len(entries))
	}
}

func TestFinalizeRejectsMissingPendingVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	prepareAnalyzedRecord(t, f, record)
	if err := f.ledger.SetEmbedding(ctx, record.ID, []float64{0.1, 0.2, 0.3, 0.4}, "title_tags", ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	// Pending video recorded but the file never materialized.
	missing := filepath.Join(f.cfg.Paths.WorkDir, record.ID, "compressed.mp4")
	if err := f.ledger.SetPendingVideo(ctx, record.ID, ledger.VideoResult{Path: missing, Size: 99, Codec: "hevc"}); err != nil {
		t.Fatal(err)
	}

	if err := f.pipeline.maybeFinalize(ctx, record.ID); err != nil {
		t.Fatalf("maybeFinalize: %v", err)
	}

	got := f.mustRecord(t, record.ID)
	if got.PendingVideoState != ledger.PendingVideoAbsent {
		t.Fatalf("pending video state = %s, want absent after rejection", got.PendingVideoState)
	}
	if got.Processed == nil || got.Processed.Path != got.Original.Path {
		t.Fatalf("processed = %+v, want fallback to original", got.Processed)
	}
	if got.Status == ledger.StatusFailed {
		t.Fatal("rejection failed the record")
	}
}

func TestStorageEnabledRoutesThroughUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.newRecord(t)

	gateway := &fakeGateway{}
	f.cfg.Storage.Enabled = true
	f.pipeline.deps.Storage = gateway

	prepareAnalyzedRecord(t, f, record)
	writePendingVideo(t, f, record)
	if err := f.ledger.SetEmbedding(ctx, record.ID, []float64{0.1, 0.2, 0.3, 0.4}, "title_tags", ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}

	if err := f.pipeline.maybeFinalize(ctx, record.ID); err != nil {
		t.Fatalf("maybeFinalize: %v", err)
	}
	got := f.mustRecord(t, record.ID)
	if got.Status != ledger.StatusUploadingRemote {
		t.Fatalf("status = %s, want uploading_to_s3", got.Status)
	}
	uploadJobs := f.jobsOfType(t, record.ID, StageUploadRemote)
	if len(uploadJobs) != 1 {
		t.Fatalf("upload jobs = %d, want 1", len(uploadJobs))
	}

	if _, err := f.pipeline.runUploadRemote(ctx, &queue.Job{Type: StageUploadRemote, ProcessID: record.ID}); err != nil {
		t.Fatalf("runUploadRemote: %v", err)
	}
	got = f.mustRecord(t, record.ID)
	if got.Remote == nil || got.Remote.Bucket != "distill" {
		t.Fatalf("remote = %+v", got.Remote)
	}
	if got.Processed.Storage != ledger.StorageRemote {
		t.Errorf("processed storage = %s, want remote", got.Processed.Storage)
	}
	if len(gateway.uploaded) != 1 {
		t.Errorf("gateway uploads = %v", gateway.uploaded)
	}
}

// prepareAnalyzedRecord stores a transcript and three resolved analysis
// outputs, leaving only embedding and the video join open.
func prepareAnalyzedRecord(t *testing.T, f *fixture, record *ledger.Record) {
	t.Helper()
	ctx := context.Background()
	if err := f.ledger.SetTranscript(ctx, record.ID, ledger.Transcript{Text: "hello world", Language: "en", Confidence: 0.8, WordCount: 2, SegmentCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetTags(ctx, record.ID, []ledger.Tag{{Name: "demo", Weight: 0.9}}, ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetTitle(ctx, record.ID, "Demo Video", ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.SetTodo(ctx, record.ID, []ledger.TodoItem{}, ledger.AnalysisDone); err != nil {
		t.Fatal(err)
	}
}

// writePendingVideo materializes a compressed output file and records it as
// the pending video. Returns the file path.
func writePendingVideo(t *testing.T, f *fixture, record *ledger.Record) string {
	t.Helper()
	dir := filepath.Join(f.cfg.Paths.WorkDir, record.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "compressed.mp4")
	content := []byte("compressed-bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	err := f.ledger.SetPendingVideo(context.Background(), record.ID, ledger.VideoResult{
		Path:  path,
		Size:  int64(len(content)),
		Codec: "hevc",
	})
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func marshalPayload(t *testing.T, payload any) string {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return string(encoded)
}
