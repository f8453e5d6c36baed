package media

import (
	"context"
	"os"
	"strings"

	"distill/internal/services"
)

// ExtractAudio pulls the first audio stream out of source as a mono 16kHz
// PCM WAV file, the shape the transcription provider expects.
func ExtractAudio(ctx context.Context, binary, source, dest string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-map", "0:a:0",
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dest,
	}
	if output, err := runCommand(ctx, binary, args...); err != nil {
		detail := strings.TrimSpace(string(output))
		return services.Wrap(services.ErrExternalTool, "extract-audio", "ffmpeg", detail, err)
	}
	if _, err := os.Stat(dest); err != nil {
		return services.Wrap(services.ErrExternalTool, "extract-audio", "verify output", dest, err)
	}
	return nil
}
