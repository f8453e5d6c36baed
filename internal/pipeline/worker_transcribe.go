package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/queue"
	"distill/internal/services"
	"distill/internal/services/transcriber"
)

// minUsableAudioSeconds is the floor under which audio is treated as empty.
const minUsableAudioSeconds = 0.1

// transcribeResult is the transcribe-segment stage's job result.
type transcribeResult struct {
	Index   int    `json:"index"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// runTranscribeSegment transcribes one audio chunk. Unusable chunks (empty,
// too short, over the provider limit) are recorded as skipped segments so
// the fan-in count still closes.
func (p *Pipeline) runTranscribeSegment(ctx context.Context, job *queue.Job) (string, error) {
	var payload transcribePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", services.Wrap(services.ErrValidation, StageTranscribeSegment, "decode payload", "", err)
	}

	if reason := p.segmentSkipReason(payload); reason != "" {
		return p.recordSkippedSegment(ctx, job.ProcessID, payload, reason)
	}

	transcription, err := p.deps.Transcriber.Transcribe(ctx, payload.Path)
	if err != nil {
		return "", err
	}

	segment := ledger.Segment{
		Index:      payload.Index,
		Text:       strings.TrimSpace(transcription.Text),
		Start:      payload.Start,
		End:        payload.Start + payload.Duration,
		Parts:      shiftedParts(transcription.Segments, payload.Start),
		AvgLogProb: transcription.AvgLogProb(),
		Language:   transcription.Language,
	}
	if _, err := p.deps.Ledger.AppendSegment(ctx, job.ProcessID, segment); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(transcribeResult{Index: payload.Index})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// shiftedParts converts the provider's chunk-relative sub-segments into
// source-media time by adding the chunk offset. Blank sub-segments are
// dropped.
func shiftedParts(subs []transcriber.SubSegment, offset float64) []ledger.SegmentPart {
	parts := make([]ledger.SegmentPart, 0, len(subs))
	for _, sub := range subs {
		text := strings.TrimSpace(sub.Text)
		if text == "" {
			continue
		}
		parts = append(parts, ledger.SegmentPart{
			Start: offset + sub.Start,
			End:   offset + sub.End,
			Text:  text,
		})
	}
	return parts
}

func (p *Pipeline) segmentSkipReason(payload transcribePayload) string {
	if payload.Duration > 0 && payload.Duration < minUsableAudioSeconds {
		return "segment shorter than the usable minimum"
	}
	info, err := os.Stat(payload.Path)
	if err != nil {
		return ""
	}
	if info.Size() == 0 {
		return "segment audio buffer is empty"
	}
	if info.Size() > p.deps.Transcriber.MaxUploadBytes() {
		return fmt.Sprintf("segment is %d bytes, over the provider upload limit", info.Size())
	}
	return ""
}

func (p *Pipeline) recordSkippedSegment(ctx context.Context, processID string, payload transcribePayload, reason string) (string, error) {
	segment := ledger.Segment{
		Index:      payload.Index,
		Start:      payload.Start,
		End:        payload.Start + payload.Duration,
		Skipped:    true,
		SkipReason: reason,
	}
	if _, err := p.deps.Ledger.AppendSegment(ctx, processID, segment); err != nil {
		return "", err
	}
	p.logger.Info("segment skipped",
		logging.String(logging.FieldProcessID, processID),
		logging.Int("segment_index", payload.Index),
		logging.String("reason", reason))

	encoded, err := json.Marshal(transcribeResult{Index: payload.Index, Skipped: true, Reason: reason})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// runMergeTranscripts assembles the ordered transcript from all valid
// segments. It fails only when not a single segment produced text.
func (p *Pipeline) runMergeTranscripts(ctx context.Context, job *queue.Job) (string, error) {
	segments, err := p.deps.Ledger.Segments(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}

	transcript, err := MergeSegments(segments)
	if err != nil {
		return "", err
	}
	if err := p.deps.Ledger.SetTranscript(ctx, job.ProcessID, transcript); err != nil {
		return "", err
	}
	return "", nil
}

// MergeSegments combines transcribed segments in index order into one
// transcript, carrying every timestamped sub-segment sorted by start time.
// Skipped and empty segments are excluded; confidence is exp(mean average
// log-probability) over the valid segments.
func MergeSegments(segments []ledger.Segment) (ledger.Transcript, error) {
	valid := make([]ledger.Segment, 0, len(segments))
	for _, segment := range segments {
		if segment.Skipped || strings.TrimSpace(segment.Text) == "" {
			continue
		}
		valid = append(valid, segment)
	}
	if len(valid) == 0 {
		return ledger.Transcript{}, services.Wrap(
			services.ErrValidation,
			StageMergeTranscripts,
			"merge",
			"no segment produced any text",
			nil,
		)
	}

	// Output must not depend on arrival order, only on segment index.
	for i := 1; i < len(valid); i++ {
		for j := i; j > 0 && valid[j-1].Index > valid[j].Index; j-- {
			valid[j-1], valid[j] = valid[j], valid[j-1]
		}
	}

	pieces := make([]string, 0, len(valid))
	merged := make([]ledger.SegmentPart, 0, len(valid))
	var logProbSum float64
	language := ""
	for _, segment := range valid {
		pieces = append(pieces, strings.TrimSpace(segment.Text))
		merged = append(merged, segment.Parts...)
		logProbSum += segment.AvgLogProb
		if language == "" && segment.Language != "" {
			language = segment.Language
		}
	}
	text := strings.Join(pieces, " ")
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start < merged[j].Start
	})

	return ledger.Transcript{
		Text:         text,
		Language:     language,
		Parts:        merged,
		Confidence:   math.Exp(logProbSum / float64(len(valid))),
		WordCount:    len(strings.Fields(text)),
		CharCount:    utf8.RuneCountInString(text),
		SegmentCount: len(valid),
	}, nil
}
