package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/queue"
	"distill/internal/services"
	"distill/internal/storage"
)

// runUploadRemote copies the committed processed video into object storage
// and records the remote location. Local deletion happens in a later stage,
// only after this one has confirmed the object exists.
func (p *Pipeline) runUploadRemote(ctx context.Context, job *queue.Job) (string, error) {
	if p.deps.Storage == nil {
		return "", services.Wrap(services.ErrConfiguration, StageUploadRemote, "gateway", "object storage is not configured", nil)
	}

	record, err := p.deps.Ledger.GetByID(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", services.Wrap(services.ErrNotFound, StageUploadRemote, "load record", job.ProcessID, nil)
	}
	if record.Processed == nil || strings.TrimSpace(record.Processed.Path) == "" {
		return "", services.Wrap(services.ErrValidation, StageUploadRemote, "load record", "record has no processed video", nil)
	}

	key := storage.ObjectKey(p.deps.Cfg.Storage.Prefix, record.TenantID, record.ID, record.Processed.Path)
	location, err := p.deps.Storage.Upload(ctx, record.Processed.Path, key)
	if err != nil {
		return "", err
	}

	remote := ledger.RemoteRef{Bucket: location.Bucket, Key: location.Key, URL: location.URL()}
	if err := p.deps.Ledger.SetRemote(ctx, job.ProcessID, remote); err != nil {
		return "", err
	}
	p.logger.Info("processed video uploaded",
		logging.String(logging.FieldProcessID, job.ProcessID),
		logging.String("object_key", location.Key))

	encoded, err := json.Marshal(remote)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// runCleanupLocal deletes the local source, audio, and working files for a
// record whose processed video is safe (remote, or local-only by config).
// Every path goes through the allow-list validator.
func (p *Pipeline) runCleanupLocal(ctx context.Context, job *queue.Job) (string, error) {
	record, err := p.deps.Ledger.GetByID(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", services.Wrap(services.ErrNotFound, StageCleanupLocal, "load record", job.ProcessID, nil)
	}

	targets := p.cleanupTargets(record)
	var firstErr error
	for _, target := range targets {
		if err := p.cleaner.Remove(target, record.ID); err != nil {
			p.logger.Warn("cleanup target refused or failed",
				logging.String(logging.FieldProcessID, record.ID),
				logging.String("path", target),
				logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return "", firstErr
	}

	if err := p.deps.Ledger.MarkLocalDeleted(ctx, job.ProcessID); err != nil {
		return "", err
	}
	return "", nil
}

// cleanupTargets lists the local paths a finished record no longer needs.
// The processed video is kept when it still lives locally (storage disabled
// or the compression output doubling as the source file).
func (p *Pipeline) cleanupTargets(record *ledger.Record) []string {
	keep := ""
	if record.Processed != nil && record.Processed.Storage == ledger.StorageLocal {
		keep = filepath.Clean(record.Processed.Path)
	}

	candidates := make([]string, 0, 3)
	if record.Original != nil && record.Original.Path != "" {
		candidates = append(candidates, record.Original.Path)
	}
	if record.Audio != nil && record.Audio.Path != "" {
		candidates = append(candidates, record.Audio.Path)
	}
	candidates = append(candidates, p.workDir(record.ID))

	targets := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		cleaned := filepath.Clean(candidate)
		if seen[cleaned] || cleaned == keep {
			continue
		}
		if keep != "" && strings.HasPrefix(keep, cleaned+string(filepath.Separator)) {
			continue
		}
		seen[cleaned] = true
		targets = append(targets, cleaned)
	}
	return targets
}
