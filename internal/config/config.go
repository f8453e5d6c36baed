package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// UploadDir is where the upload ingress drops accepted source files.
	UploadDir string `toml:"upload_dir"`
	// WorkDir holds per-process working directories (compressed video,
	// extracted audio, segments). Cleanup only ever deletes under
	// UploadDir and WorkDir.
	WorkDir string `toml:"work_dir"`
	LogDir  string `toml:"log_dir"`
}

// Pipeline contains stage scheduling and retry settings.
type Pipeline struct {
	// SegmentSeconds is the target audio segment duration for fan-out
	// transcription.
	SegmentSeconds int `toml:"segment_seconds"`
	// MediaConcurrency caps the heavy lane (compress, extract, segment).
	MediaConcurrency int `toml:"media_concurrency"`
	// TranscribeConcurrency bounds the transcription fan-out.
	TranscribeConcurrency int `toml:"transcribe_concurrency"`
	// AnalysisConcurrency caps parallel AI generation jobs.
	AnalysisConcurrency int `toml:"analysis_concurrency"`
	// FinalizeConcurrency caps upload and cleanup jobs.
	FinalizeConcurrency int `toml:"finalize_concurrency"`

	MediaMaxAttempts    int `toml:"media_max_attempts"`
	ProviderMaxAttempts int `toml:"provider_max_attempts"`
	UploadMaxAttempts   int `toml:"upload_max_attempts"`

	RetryBaseSeconds int `toml:"retry_base_seconds"`
	RetryMaxSeconds  int `toml:"retry_max_seconds"`
}

// Compression contains video compression settings.
type Compression struct {
	Codec  string `toml:"codec"`
	CRF    int    `toml:"crf"`
	Preset string `toml:"preset"`
	// SkipCodecs lists source codecs treated as already optimal; a source
	// already in one of these codecs below SkipBelowKbps is passed through
	// without re-encoding.
	SkipCodecs    []string `toml:"skip_codecs"`
	SkipBelowKbps int      `toml:"skip_below_kbps"`
}

// Transcriber contains transcription provider settings.
type Transcriber struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// MaxUploadMB is the provider's per-file limit; larger segments are
	// skipped, not failed.
	MaxUploadMB int `toml:"max_upload_mb"`
}

// AI contains chat-completion provider settings for tags/title/todo.
type AI struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Embedding contains embeddings provider settings.
type Embedding struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Dimension      int    `toml:"dimension"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Storage contains object storage settings for durable video archival.
// When disabled, the pipeline finishes with legacy local cleanup instead
// of the upload stage.
type Storage struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	UseSSL         bool   `toml:"use_ssl"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Reaper contains background sweep settings.
type Reaper struct {
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
	// MaxAgeHours is the age threshold for orphaned local artifacts.
	// Records still mid-pipeline are only swept after double this age.
	MaxAgeHours int `toml:"max_age_hours"`
	// MaxProcessingMinutes fails records stuck in a non-terminal status.
	MaxProcessingMinutes int `toml:"max_processing_minutes"`
}

// Workflow contains daemon timing and heartbeat settings.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains completion/failure webhook settings.
type Notifications struct {
	WebhookURL         string `toml:"webhook_url"`
	RequestTimeout     int    `toml:"request_timeout"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
	Completion         bool   `toml:"completion"`
	Errors             bool   `toml:"errors"`
}

// Config encapsulates all configuration values for the pipeline daemon.
//
// Configuration sections by subsystem:
//   - Paths: upload/work/log directories
//   - Pipeline: segment sizing, lane concurrency, retry budgets
//   - Compression: ffmpeg codec/crf/preset and pass-through rules
//   - Transcriber: transcription provider connection
//   - AI: chat-completion provider for tags/title/todo
//   - Embedding: embeddings provider and vector dimension contract
//   - Storage: object storage for durable video archival
//   - Reaper: orphan sweep and stuck-record budgets
//   - Workflow: polling intervals and job heartbeats
//   - Logging: log format and level
//   - Notifications: completion/failure webhook
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Compression   Compression   `toml:"compression"`
	Transcriber   Transcriber   `toml:"transcriber"`
	AI            AI            `toml:"ai"`
	Embedding     Embedding     `toml:"embedding"`
	Storage       Storage       `toml:"storage"`
	Reaper        Reaper        `toml:"reaper"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/distill/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("distill.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates required directories for daemon operation.
// UploadDir is created best-effort since the upload ingress may own it.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.UploadDir) != "" {
		_ = os.MkdirAll(c.Paths.UploadDir, 0o755)
	}
	return nil
}

// AllowedCleanupRoots returns the directory roots local cleanup may delete
// under. Everything outside these roots is refused.
func (c *Config) AllowedCleanupRoots() []string {
	roots := make([]string, 0, 2)
	if strings.TrimSpace(c.Paths.UploadDir) != "" {
		roots = append(roots, c.Paths.UploadDir)
	}
	if strings.TrimSpace(c.Paths.WorkDir) != "" {
		roots = append(roots, c.Paths.WorkDir)
	}
	return roots
}

// FFmpegBinary returns the ffmpeg executable name.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}
