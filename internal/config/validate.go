package config

import (
	"errors"
	"fmt"
	"strings"
)

// normalize expands path fields and fills zero values with defaults.
func (c *Config) normalize() error {
	var err error
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("upload_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("log_dir: %w", err)
	}

	if c.Pipeline.SegmentSeconds <= 0 {
		c.Pipeline.SegmentSeconds = defaultSegmentSeconds
	}
	if c.Pipeline.MediaConcurrency <= 0 {
		c.Pipeline.MediaConcurrency = defaultMediaConcurrency
	}
	if c.Pipeline.TranscribeConcurrency <= 0 {
		c.Pipeline.TranscribeConcurrency = defaultTranscribeConcurrency
	}
	if c.Pipeline.AnalysisConcurrency <= 0 {
		c.Pipeline.AnalysisConcurrency = defaultAnalysisConcurrency
	}
	if c.Pipeline.FinalizeConcurrency <= 0 {
		c.Pipeline.FinalizeConcurrency = defaultFinalizeConcurrency
	}
	if c.Pipeline.MediaMaxAttempts <= 0 {
		c.Pipeline.MediaMaxAttempts = defaultMediaMaxAttempts
	}
	if c.Pipeline.ProviderMaxAttempts <= 0 {
		c.Pipeline.ProviderMaxAttempts = defaultProviderMaxAttempts
	}
	if c.Pipeline.UploadMaxAttempts <= 0 {
		c.Pipeline.UploadMaxAttempts = defaultUploadMaxAttempts
	}
	if c.Pipeline.RetryBaseSeconds <= 0 {
		c.Pipeline.RetryBaseSeconds = defaultRetryBaseSeconds
	}
	if c.Pipeline.RetryMaxSeconds <= 0 {
		c.Pipeline.RetryMaxSeconds = defaultRetryMaxSeconds
	}

	if strings.TrimSpace(c.Compression.Codec) == "" {
		c.Compression.Codec = defaultCompressionCodec
	}
	if c.Compression.CRF <= 0 {
		c.Compression.CRF = defaultCompressionCRF
	}
	if strings.TrimSpace(c.Compression.Preset) == "" {
		c.Compression.Preset = defaultCompressionPreset
	}
	if c.Transcriber.MaxUploadMB <= 0 {
		c.Transcriber.MaxUploadMB = defaultMaxUploadMB
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = defaultEmbeddingDimension
	}
	c.Storage.Prefix = strings.Trim(strings.TrimSpace(c.Storage.Prefix), "/")
	return nil
}

// Validate checks cross-field constraints that would make the daemon
// unusable at runtime.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		problems = append(problems, "paths.work_dir is required")
	}
	if strings.TrimSpace(c.Paths.UploadDir) == "" {
		problems = append(problems, "paths.upload_dir is required")
	}
	if c.Pipeline.SegmentSeconds < 30 {
		problems = append(problems, "pipeline.segment_seconds must be at least 30")
	}
	if c.Compression.CRF < 0 || c.Compression.CRF > 51 {
		problems = append(problems, "compression.crf must be between 0 and 51")
	}
	if c.Storage.Enabled {
		if strings.TrimSpace(c.Storage.Endpoint) == "" {
			problems = append(problems, "storage.endpoint is required when storage is enabled")
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			problems = append(problems, "storage.bucket is required when storage is enabled")
		}
	}
	if c.Workflow.HeartbeatTimeout > 0 && c.Workflow.HeartbeatInterval >= c.Workflow.HeartbeatTimeout {
		problems = append(problems, "workflow.heartbeat_interval must be below workflow.heartbeat_timeout")
	}
	if c.Reaper.MaxAgeHours <= 0 {
		problems = append(problems, "reaper.max_age_hours must be positive")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
