package media

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"distill/internal/services"
)

// DefaultSegmentSeconds is the target transcription chunk length.
const DefaultSegmentSeconds = 600

// SegmentPlan positions one audio chunk within the source recording.
type SegmentPlan struct {
	Index    int
	Start    float64
	Duration float64
}

// PlanSegments splits duration seconds of audio into fixed-length chunks.
// The final chunk absorbs the remainder; anything at or under one chunk
// length stays a single segment.
func PlanSegments(duration float64, segmentSeconds int) []SegmentPlan {
	if segmentSeconds <= 0 {
		segmentSeconds = DefaultSegmentSeconds
	}
	if duration <= 0 {
		return []SegmentPlan{{Index: 0, Start: 0, Duration: 0}}
	}

	chunk := float64(segmentSeconds)
	count := int(math.Ceil(duration / chunk))
	if count < 1 {
		count = 1
	}
	plans := make([]SegmentPlan, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * chunk
		length := chunk
		if start+length > duration {
			length = duration - start
		}
		plans = append(plans, SegmentPlan{Index: i, Start: start, Duration: length})
	}
	return plans
}

// SplitAudio materializes the planned chunks under dir and returns their
// paths in index order. A single-segment plan copies the source file instead
// of spawning ffmpeg.
func SplitAudio(ctx context.Context, binary, source, dir string, plan []SegmentPlan) ([]string, error) {
	if len(plan) == 0 {
		return nil, services.Wrap(services.ErrValidation, "segment-audio", "split", "empty segment plan", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	if len(plan) == 1 {
		dest := segmentPath(dir, 0)
		if err := copyFile(source, dest); err != nil {
			return nil, fmt.Errorf("copy single segment: %w", err)
		}
		return []string{dest}, nil
	}

	paths := make([]string, 0, len(plan))
	for _, segment := range plan {
		dest := segmentPath(dir, segment.Index)
		args := []string{
			"-y",
			"-hide_banner",
			"-loglevel", "error",
			"-ss", fmt.Sprintf("%.3f", segment.Start),
			"-t", fmt.Sprintf("%.3f", segment.Duration),
			"-i", source,
			"-c", "copy",
			dest,
		}
		if output, err := runCommand(ctx, binary, args...); err != nil {
			detail := strings.TrimSpace(string(output))
			return nil, services.Wrap(services.ErrExternalTool, "segment-audio", fmt.Sprintf("split segment %d", segment.Index), detail, err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%03d.wav", index))
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
