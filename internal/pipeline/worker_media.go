package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/media"
	"distill/internal/queue"
	"distill/internal/services"
)

// runCompressVideo re-encodes the source video (or passes it through when
// already optimal) and parks the outcome as the record's pending video.
func (p *Pipeline) runCompressVideo(ctx context.Context, job *queue.Job) (string, error) {
	var payload compressPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", services.Wrap(services.ErrValidation, StageCompressVideo, "decode payload", "", err)
	}

	probe, err := media.Inspect(ctx, p.deps.Cfg.FFprobeBinary(), payload.Source)
	if err != nil {
		return "", err
	}

	workDir := p.workDir(job.ProcessID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	compression := p.deps.Cfg.Compression
	spec := media.CompressSpec{
		Codec:         compression.Codec,
		CRF:           compression.CRF,
		Preset:        compression.Preset,
		SkipCodecs:    compression.SkipCodecs,
		SkipBelowKbps: int64(compression.SkipBelowKbps),
	}
	dest := filepath.Join(workDir, "compressed.mp4")
	outcome, err := media.Compress(ctx, p.deps.Cfg.FFmpegBinary(), payload.Source, dest, probe, spec)
	if err != nil {
		return "", err
	}

	result := ledger.VideoResult{
		Path:    outcome.Path,
		Size:    outcome.Size,
		Codec:   outcome.Codec,
		Skipped: outcome.Skipped,
	}
	if err := p.deps.Ledger.SetPendingVideo(ctx, job.ProcessID, result); err != nil {
		return "", err
	}
	if outcome.Skipped {
		p.logger.Info("compression skipped",
			logging.String(logging.FieldProcessID, job.ProcessID),
			logging.String("reason", outcome.Reason))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// runExtractAudio produces the mono 16kHz WAV the transcription fan-out
// consumes.
func (p *Pipeline) runExtractAudio(ctx context.Context, job *queue.Job) (string, error) {
	var payload extractPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", services.Wrap(services.ErrValidation, StageExtractAudio, "decode payload", "", err)
	}

	sourceProbe, err := media.Inspect(ctx, p.deps.Cfg.FFprobeBinary(), payload.Source)
	if err != nil {
		return "", err
	}
	if !sourceProbe.HasAudio() {
		return "", services.Wrap(services.ErrValidation, StageExtractAudio, "probe", "source has no audio stream", nil)
	}

	workDir := p.workDir(job.ProcessID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dest := filepath.Join(workDir, "audio.wav")
	if err := media.ExtractAudio(ctx, p.deps.Cfg.FFmpegBinary(), payload.Source, dest); err != nil {
		return "", err
	}

	probe, err := media.Inspect(ctx, p.deps.Cfg.FFprobeBinary(), dest)
	if err != nil {
		return "", err
	}
	duration := probe.DurationSeconds()
	if duration < minUsableAudioSeconds {
		p.logger.Warn("extracted audio is near-empty",
			logging.String(logging.FieldProcessID, job.ProcessID),
			logging.Float64("duration_seconds", duration))
	}

	artifact := ledger.Artifact{Path: dest, Size: probe.SizeBytes(), Storage: ledger.StorageLocal}
	if err := p.deps.Ledger.SetAudio(ctx, job.ProcessID, artifact, duration); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(extractResult{AudioPath: dest, Duration: duration})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// runSegmentAudio splits the extracted audio into transcription chunks and
// fixes the fan-in count.
func (p *Pipeline) runSegmentAudio(ctx context.Context, job *queue.Job) (string, error) {
	var payload segmentPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", services.Wrap(services.ErrValidation, StageSegmentAudio, "decode payload", "", err)
	}

	plan := media.PlanSegments(payload.Duration, p.deps.Cfg.Pipeline.SegmentSeconds)
	dir := filepath.Join(p.workDir(job.ProcessID), "segments")
	paths, err := media.SplitAudio(ctx, p.deps.Cfg.FFmpegBinary(), payload.AudioPath, dir, plan)
	if err != nil {
		return "", err
	}

	if err := p.deps.Ledger.SetExpectedSegments(ctx, job.ProcessID, len(paths)); err != nil {
		return "", err
	}

	chunks := make([]segmentChunk, len(paths))
	for i, path := range paths {
		chunks[i] = segmentChunk{
			Index:    plan[i].Index,
			Path:     path,
			Start:    plan[i].Start,
			Duration: plan[i].Duration,
		}
	}
	encoded, err := json.Marshal(segmentResult{Count: len(paths), Chunks: chunks})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}
