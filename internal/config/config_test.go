package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if cfg.Pipeline.SegmentSeconds != defaultSegmentSeconds {
		t.Errorf("segment_seconds = %d, want default %d", cfg.Pipeline.SegmentSeconds, defaultSegmentSeconds)
	}
	if cfg.Embedding.Dimension != defaultEmbeddingDimension {
		t.Errorf("embedding dimension = %d, want %d", cfg.Embedding.Dimension, defaultEmbeddingDimension)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[paths]
upload_dir = "` + filepath.Join(dir, "uploads") + `"
work_dir = "` + filepath.Join(dir, "work") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[pipeline]
segment_seconds = 120
transcribe_concurrency = 8
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Pipeline.SegmentSeconds != 120 {
		t.Errorf("segment_seconds = %d, want 120", cfg.Pipeline.SegmentSeconds)
	}
	if cfg.Pipeline.TranscribeConcurrency != 8 {
		t.Errorf("transcribe_concurrency = %d, want 8", cfg.Pipeline.TranscribeConcurrency)
	}
	// Untouched sections keep defaults.
	if cfg.Compression.Codec != defaultCompressionCodec {
		t.Errorf("codec = %q, want default", cfg.Compression.Codec)
	}
}

func TestValidateRejectsStorageWithoutEndpoint(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Storage.Enabled = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "storage.endpoint") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestValidateRejectsTinySegments(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Pipeline.SegmentSeconds = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for segment_seconds below minimum")
	}
}

func TestAllowedCleanupRoots(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	roots := cfg.AllowedCleanupRoots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			t.Errorf("root %q not absolute", root)
		}
	}
}

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := expandPath("~/videos")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "videos") {
		t.Errorf("expandPath = %q", got)
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[pipeline]") {
		t.Error("sample config missing pipeline section")
	}
}
