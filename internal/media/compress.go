package media

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"distill/internal/services"
)

// CompressSpec carries the encoder settings for video compression.
type CompressSpec struct {
	Codec         string
	CRF           int
	Preset        string
	SkipCodecs    []string
	SkipBelowKbps int64
}

// CompressOutcome is the result of a compression attempt. Skipped outcomes
// point at the untouched source file.
type CompressOutcome struct {
	Path    string
	Size    int64
	Codec   string
	Skipped bool
	Reason  string
}

// AlreadyOptimal reports whether the source needs no re-encode: its codec is
// on the skip list and its bitrate already sits at or below the threshold.
func AlreadyOptimal(probe Probe, spec CompressSpec) (bool, string) {
	codec := probe.VideoCodec()
	if codec == "" {
		return false, ""
	}
	onSkipList := false
	for _, skip := range spec.SkipCodecs {
		if strings.EqualFold(strings.TrimSpace(skip), codec) {
			onSkipList = true
			break
		}
	}
	if !onSkipList {
		return false, ""
	}
	if spec.SkipBelowKbps > 0 {
		kbps := probe.BitRate() / 1000
		if kbps == 0 || kbps > spec.SkipBelowKbps {
			return false, ""
		}
		return true, fmt.Sprintf("codec %s at %d kbps already optimal", codec, kbps)
	}
	return true, fmt.Sprintf("codec %s already optimal", codec)
}

// Compress re-encodes source into dest, or skips when the probe shows the
// source is already optimal.
func Compress(ctx context.Context, binary, source, dest string, probe Probe, spec CompressSpec) (CompressOutcome, error) {
	if optimal, reason := AlreadyOptimal(probe, spec); optimal {
		return CompressOutcome{
			Path:    source,
			Size:    probe.SizeBytes(),
			Codec:   probe.VideoCodec(),
			Skipped: true,
			Reason:  reason,
		}, nil
	}

	codec := encoderName(spec.Codec)
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-c:v", codec,
		"-crf", strconv.Itoa(spec.CRF),
		"-preset", spec.Preset,
		"-c:a", "aac",
		"-movflags", "+faststart",
		dest,
	}
	if output, err := runCommand(ctx, binary, args...); err != nil {
		detail := strings.TrimSpace(string(output))
		return CompressOutcome{}, services.Wrap(services.ErrExternalTool, "compress", "encode", detail, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return CompressOutcome{}, services.Wrap(services.ErrExternalTool, "compress", "verify output", dest, err)
	}
	if info.Size() == 0 {
		return CompressOutcome{}, services.Wrap(services.ErrExternalTool, "compress", "verify output", "encoder produced an empty file", nil)
	}
	return CompressOutcome{
		Path:  dest,
		Size:  info.Size(),
		Codec: strings.TrimSpace(spec.Codec),
	}, nil
}

// encoderName maps a codec family to the ffmpeg encoder library.
func encoderName(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "h264":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	case "av1":
		return "libsvtav1"
	default:
		return codec
	}
}
