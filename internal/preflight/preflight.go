package preflight

import (
	"context"

	"distill/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable readiness check for the given config.
// Checks gated by a feature toggle are skipped when the feature is off.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Upload directory", cfg.Paths.UploadDir))
	results = append(results, CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir))
	results = append(results, CheckFreeSpace("Work disk space", cfg.Paths.WorkDir, MinFreeBytes))

	results = append(results, CheckBinary("FFmpeg", cfg.FFmpegBinary(), "required for compression and audio extraction"))
	results = append(results, CheckBinary("FFprobe", cfg.FFprobeBinary(), "required for media inspection"))

	results = append(results, CheckAPIKey("Transcription provider", cfg.Transcriber.APIKey))
	results = append(results, CheckAPIKey("Analysis provider", cfg.AI.APIKey))
	results = append(results, CheckAPIKey("Embedding provider", cfg.Embedding.APIKey))

	if cfg.Storage.Enabled {
		results = append(results, CheckStorageConfig(cfg.Storage))
	}

	return results
}

// AllPassed reports whether every check in results passed.
func AllPassed(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
