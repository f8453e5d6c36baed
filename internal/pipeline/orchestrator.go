package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/queue"
)

// Progress checkpoints per phase. Transcription interpolates between its
// start and end as segments land.
const (
	progressIngress     = 5
	progressExtracted   = 20
	progressTranscribe  = 25
	progressMerging     = 60
	progressAnalyzing   = 70
	progressValidating  = 85
	progressCommitted   = 90
	progressUploading   = 91
	progressCleaning    = 95
	progressFinalizing  = 99
	progressCompleted   = 100
	transcribeSpanWidth = progressMerging - progressTranscribe
)

// Start moves a freshly created record into the pipeline by launching the
// compression and extraction branches in parallel. Replays are harmless:
// stage claims keep each branch enqueued at most once.
func (p *Pipeline) Start(ctx context.Context, record *ledger.Record) error {
	if record.Original == nil || record.Original.Path == "" {
		return fmt.Errorf("record %s has no original artifact", record.ID)
	}
	if err := p.deps.Ledger.SetStatus(ctx, record.ID, ledger.StatusProcessingMedia); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, record.ID, progressIngress, "processing media"); err != nil {
		return err
	}

	source := record.Original.Path
	if _, err := p.enqueueStage(ctx, record.ID, StageCompressVideo, StageCompressVideo, compressPayload{Source: source}); err != nil {
		return err
	}
	_, err := p.enqueueStage(ctx, record.ID, StageExtractAudio, StageExtractAudio, extractPayload{Source: source})
	return err
}

// enqueueStage claims the stage key and, on first claim, enqueues the job.
// Returns whether this call won the claim.
func (p *Pipeline) enqueueStage(ctx context.Context, processID, stage, claimKey string, payload any) (bool, error) {
	claimed, err := p.deps.Ledger.TryClaimStage(ctx, processID, claimKey)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", stage, err)
	}
	job, err := p.deps.Queue.Enqueue(ctx, QueueFor(stage), stage, processID, string(encoded), queue.Options{
		MaxAttempts: p.maxAttemptsFor(stage),
	})
	if err != nil {
		return false, err
	}
	if err := p.deps.Ledger.SetStageJob(ctx, processID, claimKey, job.ID); err != nil {
		return false, err
	}
	p.logger.Info("stage enqueued",
		logging.String(logging.FieldProcessID, processID),
		logging.String(logging.FieldStage, stage),
		logging.Int64(logging.FieldJobID, job.ID))
	return true, nil
}

// HandleCompletion advances the pipeline after a job finishes. It is safe to
// call more than once per job; every transition behind it is idempotent.
func (p *Pipeline) HandleCompletion(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case StageCompressVideo:
		return p.maybeFinalize(ctx, job.ProcessID)
	case StageExtractAudio:
		return p.afterExtract(ctx, job)
	case StageSegmentAudio:
		return p.afterSegment(ctx, job)
	case StageTranscribeSegment:
		return p.afterTranscribe(ctx, job.ProcessID)
	case StageMergeTranscripts:
		return p.afterMerge(ctx, job.ProcessID)
	case StageGenerateTags, StageGenerateTitle, StageGenerateTodo:
		return p.afterAnalysis(ctx, job.ProcessID)
	case StageGenerateEmbedding:
		return p.maybeFinalize(ctx, job.ProcessID)
	case StageUploadRemote:
		return p.afterUpload(ctx, job.ProcessID)
	case StageCleanupLocal:
		return p.complete(ctx, job.ProcessID)
	default:
		p.logger.Warn("completion for unknown stage",
			logging.String(logging.FieldStage, job.Type),
			logging.String(logging.FieldProcessID, job.ProcessID))
		return nil
	}
}

func (p *Pipeline) afterExtract(ctx context.Context, job *queue.Job) error {
	var result extractResult
	if err := json.Unmarshal([]byte(job.Result), &result); err != nil {
		return fmt.Errorf("decode extract result: %w", err)
	}
	if err := p.deps.Ledger.SetStatus(ctx, job.ProcessID, ledger.StatusAudioExtracted); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, job.ProcessID, progressExtracted, "audio extracted"); err != nil {
		return err
	}
	_, err := p.enqueueStage(ctx, job.ProcessID, StageSegmentAudio, StageSegmentAudio, segmentPayload{
		AudioPath: result.AudioPath,
		Duration:  result.Duration,
	})
	return err
}

func (p *Pipeline) afterSegment(ctx context.Context, job *queue.Job) error {
	var result segmentResult
	if err := json.Unmarshal([]byte(job.Result), &result); err != nil {
		return fmt.Errorf("decode segment result: %w", err)
	}
	if err := p.deps.Ledger.SetStatus(ctx, job.ProcessID, ledger.StatusTranscribing); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, job.ProcessID, progressTranscribe, "transcribing"); err != nil {
		return err
	}

	for _, chunk := range result.Chunks {
		claimKey := transcribeClaimKey(chunk.Index)
		if _, err := p.enqueueStage(ctx, job.ProcessID, StageTranscribeSegment, claimKey, transcribePayload{
			Index:    chunk.Index,
			Path:     chunk.Path,
			Start:    chunk.Start,
			Duration: chunk.Duration,
		}); err != nil {
			return err
		}
	}
	return nil
}

func transcribeClaimKey(index int) string {
	return fmt.Sprintf("%s:%03d", StageTranscribeSegment, index)
}

// afterTranscribe checks the fan-in: once every expected segment has landed
// (transcribed or skipped), the merge stage is claimed and enqueued exactly
// once.
func (p *Pipeline) afterTranscribe(ctx context.Context, processID string) error {
	record, err := p.deps.Ledger.GetByID(ctx, processID)
	if err != nil {
		return err
	}
	if record == nil || record.Status.Terminal() {
		return nil
	}
	count, err := p.deps.Ledger.CountSegments(ctx, processID)
	if err != nil {
		return err
	}

	expected := record.ExpectedSegments
	if expected <= 0 || count < expected {
		if expected > 0 {
			percent := progressTranscribe + transcribeSpanWidth*count/expected
			step := fmt.Sprintf("transcribing %d/%d", count, expected)
			if err := p.deps.Ledger.UpdateProgress(ctx, processID, percent, step); err != nil {
				return err
			}
		}
		return nil
	}

	claimed, err := p.enqueueStage(ctx, processID, StageMergeTranscripts, StageMergeTranscripts, struct{}{})
	if err != nil {
		return err
	}
	if claimed {
		return p.deps.Ledger.UpdateProgress(ctx, processID, progressMerging, "merging transcripts")
	}
	return nil
}

func (p *Pipeline) afterMerge(ctx context.Context, processID string) error {
	if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusAnalyzing); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressAnalyzing, "analyzing"); err != nil {
		return err
	}
	for _, stage := range []string{StageGenerateTags, StageGenerateTitle, StageGenerateTodo} {
		if _, err := p.enqueueStage(ctx, processID, stage, stage, struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

// afterAnalysis runs after tags, title, or todo resolve. It opens the
// embedding gate once tags and title have both been attempted, then checks
// whether analysis as a whole has closed.
func (p *Pipeline) afterAnalysis(ctx context.Context, processID string) error {
	record, err := p.deps.Ledger.GetByID(ctx, processID)
	if err != nil {
		return err
	}
	if record == nil || record.Status.Terminal() {
		return nil
	}

	if record.EmbeddingGateOpen() && !record.EmbeddingState.Ready() {
		if _, err := p.enqueueStage(ctx, processID, StageGenerateEmbedding, StageGenerateEmbedding, struct{}{}); err != nil {
			return err
		}
	}
	return p.maybeFinalize(ctx, processID)
}

// maybeFinalize joins the analysis and compression branches. The first
// caller to observe both closed claims the finalize key, validates the
// pending video, commits or rejects it, and routes to upload or cleanup.
func (p *Pipeline) maybeFinalize(ctx context.Context, processID string) error {
	record, err := p.deps.Ledger.GetByID(ctx, processID)
	if err != nil {
		return err
	}
	if record == nil || record.Status.Terminal() {
		return nil
	}
	if !record.AnalysisClosed() || record.PendingVideoState == ledger.PendingVideoAbsent {
		return nil
	}

	claimed, err := p.deps.Ledger.TryClaimStage(ctx, processID, claimFinalize)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusVideoValidating); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressValidating, "validating video"); err != nil {
		return err
	}
	if err := p.resolvePendingVideo(ctx, record); err != nil {
		return err
	}

	if p.storageEnabled() {
		if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusUploadingRemote); err != nil {
			return err
		}
		if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressUploading, "uploading to object storage"); err != nil {
			return err
		}
		_, err := p.enqueueStage(ctx, processID, StageUploadRemote, StageUploadRemote, struct{}{})
		return err
	}
	return p.routeCleanup(ctx, processID)
}

// resolvePendingVideo commits a pending compression result whose file checks
// out, and rejects it otherwise. Rejection falls back to the original file
// as the processed artifact; it never fails the record.
func (p *Pipeline) resolvePendingVideo(ctx context.Context, record *ledger.Record) error {
	pending := record.PendingVideo
	reason := validatePendingVideo(pending)
	if reason == "" {
		if err := p.deps.Ledger.CommitPendingVideo(ctx, record.ID); err != nil {
			return err
		}
		return p.deps.Ledger.UpdateProgress(ctx, record.ID, progressCommitted, "video committed")
	}

	p.logger.Warn("pending video rejected",
		logging.String(logging.FieldProcessID, record.ID),
		logging.String("reason", reason))
	if err := p.deps.Ledger.RejectPendingVideo(ctx, record.ID); err != nil {
		return err
	}
	if err := p.deps.Ledger.RecordError(ctx, record.ID, StageCompressVideo, "pending video rejected", reason); err != nil {
		return err
	}
	fallback := ledger.Artifact{
		Path:    record.Original.Path,
		Size:    record.Original.Size,
		Storage: ledger.StorageLocal,
	}
	return p.deps.Ledger.SetProcessed(ctx, record.ID, fallback)
}

// validatePendingVideo returns a rejection reason, or "" when the result is
// usable.
func validatePendingVideo(pending *ledger.VideoResult) string {
	if pending == nil || pending.Path == "" {
		return "no pending video result recorded"
	}
	info, err := os.Stat(pending.Path)
	if err != nil {
		return fmt.Sprintf("pending video missing: %v", err)
	}
	if info.Size() == 0 {
		return "pending video file is empty"
	}
	if pending.Size > 0 && info.Size() != pending.Size {
		return fmt.Sprintf("pending video size changed: recorded %d, found %d", pending.Size, info.Size())
	}
	return ""
}

func (p *Pipeline) afterUpload(ctx context.Context, processID string) error {
	return p.routeCleanup(ctx, processID)
}

func (p *Pipeline) routeCleanup(ctx context.Context, processID string) error {
	if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusCleaningLocal); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressCleaning, "cleaning local files"); err != nil {
		return err
	}
	_, err := p.enqueueStage(ctx, processID, StageCleanupLocal, StageCleanupLocal, struct{}{})
	return err
}

func (p *Pipeline) complete(ctx context.Context, processID string) error {
	if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusFinalizing); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressFinalizing, "finalizing"); err != nil {
		return err
	}
	if err := p.deps.Ledger.SetStatus(ctx, processID, ledger.StatusCompleted); err != nil {
		return err
	}
	if err := p.deps.Ledger.UpdateProgress(ctx, processID, progressCompleted, "completed"); err != nil {
		return err
	}

	record, err := p.deps.Ledger.GetByID(ctx, processID)
	if err != nil {
		return err
	}
	p.logger.Info("process completed", logging.String(logging.FieldProcessID, processID))
	if p.deps.Notifier != nil && record != nil {
		p.deps.Notifier.ProcessCompleted(ctx, record)
	}
	return nil
}

// HandleDead routes a permanently failed job. Critical stages fail the
// record; transcription skips the segment; analysis falls back; cleanup
// logs and completes anyway.
func (p *Pipeline) HandleDead(ctx context.Context, job *queue.Job, reason string) error {
	if Critical(job.Type) {
		return p.failRecord(ctx, job, reason)
	}

	switch job.Type {
	case StageTranscribeSegment:
		return p.deadTranscribe(ctx, job, reason)
	case StageGenerateTags:
		if err := p.applyFallback(ctx, job, reason, func() error {
			return p.deps.Ledger.SetTags(ctx, job.ProcessID, FallbackTags(), ledger.AnalysisFallback)
		}); err != nil {
			return err
		}
		return p.afterAnalysis(ctx, job.ProcessID)
	case StageGenerateTitle:
		record, err := p.deps.Ledger.GetByID(ctx, job.ProcessID)
		if err != nil {
			return err
		}
		if record == nil || record.Status.Terminal() {
			return nil
		}
		sourcePath := ""
		if record.Original != nil {
			sourcePath = record.Original.Path
		}
		if err := p.applyFallback(ctx, job, reason, func() error {
			return p.deps.Ledger.SetTitle(ctx, job.ProcessID, FallbackTitle(sourcePath), ledger.AnalysisFallback)
		}); err != nil {
			return err
		}
		return p.afterAnalysis(ctx, job.ProcessID)
	case StageGenerateTodo:
		if err := p.applyFallback(ctx, job, reason, func() error {
			return p.deps.Ledger.SetTodo(ctx, job.ProcessID, []ledger.TodoItem{}, ledger.AnalysisFallback)
		}); err != nil {
			return err
		}
		return p.afterAnalysis(ctx, job.ProcessID)
	case StageGenerateEmbedding:
		if err := p.applyFallback(ctx, job, reason, func() error {
			return p.deps.Ledger.SetEmbedding(ctx, job.ProcessID, nil, "", ledger.AnalysisFailed)
		}); err != nil {
			return err
		}
		return p.maybeFinalize(ctx, job.ProcessID)
	case StageCleanupLocal:
		if err := p.deps.Ledger.RecordError(ctx, job.ProcessID, job.Type, "local cleanup failed", reason); err != nil {
			return err
		}
		return p.complete(ctx, job.ProcessID)
	default:
		return p.failRecord(ctx, job, reason)
	}
}

func (p *Pipeline) applyFallback(ctx context.Context, job *queue.Job, reason string, set func() error) error {
	p.logger.Warn("stage fell back",
		logging.String(logging.FieldProcessID, job.ProcessID),
		logging.String(logging.FieldStage, job.Type),
		logging.String("reason", reason))
	if err := set(); err != nil {
		return err
	}
	return p.deps.Ledger.RecordError(ctx, job.ProcessID, job.Type, "stage fell back after exhausting retries", reason)
}

// deadTranscribe appends a skipped segment for the dead job so fan-in still
// closes, then re-runs the fan-in check.
func (p *Pipeline) deadTranscribe(ctx context.Context, job *queue.Job, reason string) error {
	var payload transcribePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload of dead job %d: %w", job.ID, err)
	}
	segment := ledger.Segment{
		Index:      payload.Index,
		Start:      payload.Start,
		End:        payload.Start + payload.Duration,
		Skipped:    true,
		SkipReason: "transcription failed: " + reason,
	}
	if _, err := p.deps.Ledger.AppendSegment(ctx, job.ProcessID, segment); err != nil {
		return err
	}
	if err := p.deps.Ledger.RecordError(ctx, job.ProcessID, job.Type, "segment transcription failed, segment skipped", reason); err != nil {
		return err
	}
	return p.afterTranscribe(ctx, job.ProcessID)
}

func (p *Pipeline) failRecord(ctx context.Context, job *queue.Job, reason string) error {
	if err := p.deps.Ledger.MarkFailed(ctx, job.ProcessID, job.Type, "stage failed permanently", reason); err != nil {
		return err
	}
	p.logger.Error("process failed",
		logging.String(logging.FieldProcessID, job.ProcessID),
		logging.String(logging.FieldStage, job.Type),
		logging.String("reason", reason))
	if p.deps.Notifier != nil {
		record, err := p.deps.Ledger.GetByID(ctx, job.ProcessID)
		if err == nil && record != nil {
			p.deps.Notifier.ProcessFailed(ctx, record, job.Type, reason)
		}
	}
	return nil
}

func (p *Pipeline) storageEnabled() bool {
	return p.deps.Storage != nil && p.deps.Cfg.Storage.Enabled
}
