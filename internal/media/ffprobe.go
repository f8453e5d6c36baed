package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"distill/internal/services"
)

// Probe represents the parsed output of an ffprobe inspection.
type Probe struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Format captures container-level metadata.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Inspect executes ffprobe against path and decodes the JSON response.
func Inspect(ctx context.Context, binary, path string) (Probe, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Probe{}, services.Wrap(services.ErrValidation, "probe", "inspect", "empty path", nil)
	}

	output, err := runCommand(ctx, binary,
		"-v", "error",
		"-hide_banner",
		"-show_format",
		"-show_streams",
		"-of", "json",
		"--", path,
	)
	if err != nil {
		detail := strings.TrimSpace(string(output))
		return Probe{}, services.Wrap(services.ErrExternalTool, "probe", "inspect", detail, err)
	}

	var probe Probe
	if err := json.Unmarshal(output, &probe); err != nil {
		return Probe{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return probe, nil
}

// DurationSeconds returns the container duration in seconds, or 0 when
// unavailable.
func (p Probe) DurationSeconds() float64 {
	return parseProbeFloat(p.Format.Duration)
}

// SizeBytes returns the reported container size in bytes, or 0 when
// unavailable.
func (p Probe) SizeBytes() int64 {
	size := parseProbeFloat(p.Format.Size)
	if size < 0 {
		return 0
	}
	return int64(size)
}

// BitRate returns the container bitrate in bits per second, or 0 when
// unavailable.
func (p Probe) BitRate() int64 {
	rate := parseProbeFloat(p.Format.BitRate)
	if rate < 0 {
		return 0
	}
	return int64(rate)
}

// VideoCodec returns the codec name of the first video stream, or "".
func (p Probe) VideoCodec() string {
	for _, stream := range p.Streams {
		if strings.EqualFold(stream.CodecType, "video") {
			return strings.ToLower(stream.CodecName)
		}
	}
	return ""
}

// HasAudio reports whether the container carries at least one audio stream.
func (p Probe) HasAudio() bool {
	for _, stream := range p.Streams {
		if strings.EqualFold(stream.CodecType, "audio") {
			return true
		}
	}
	return false
}

func parseProbeFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return parsed
}
