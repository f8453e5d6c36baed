package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"distill/internal/cleanup"
	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/pipeline"
	"distill/internal/preflight"
	"distill/internal/queue"
)

// acceptedExtensions lists the upload container formats the ingress takes.
var acceptedExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".mkv":  {},
	".avi":  {},
	".webm": {},
}

// Daemon owns the background services and enforces single-instance
// execution via a lock file.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	queue      *queue.Store
	ledger     *ledger.Store
	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	reaper     *cleanup.Reaper

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// Status is a point-in-time daemon snapshot.
type Status struct {
	Running      bool
	LockFilePath string
	LedgerDBPath string
	QueueDBPath  string
	Jobs         queue.HealthSummary
	Records      map[ledger.Status]int
}

// New wires a daemon from already-built components.
func New(cfg *config.Config, logger *slog.Logger, queueStore *queue.Store, ledgerStore *ledger.Store, pl *pipeline.Pipeline) (*Daemon, error) {
	if cfg == nil || queueStore == nil || ledgerStore == nil || pl == nil {
		return nil, errors.New("daemon requires config, stores, and pipeline")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "distilld.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		queue:      queueStore,
		ledger:     ledgerStore,
		pipeline:   pl,
		dispatcher: pipeline.NewDispatcher(pl),
		reaper:     cleanup.NewReaper(cfg, ledgerStore, logger),
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, runs the readiness checks, and launches
// the dispatcher lanes and the reaper.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another distill daemon instance is already running")
	}

	results := preflight.RunAll(ctx, d.cfg)
	for _, result := range results {
		if result.Passed {
			d.logger.Info("preflight passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail))
			continue
		}
		d.logger.Error("preflight failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail))
	}
	if !preflight.AllPassed(results) {
		_ = d.lock.Unlock()
		return errors.New("preflight checks failed, refusing to start")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.done.Add(2)
	go func() {
		defer d.done.Done()
		if err := d.dispatcher.Run(runCtx); err != nil && runCtx.Err() == nil {
			d.logger.Error("dispatcher stopped", logging.Error(err))
		}
	}()
	go func() {
		defer d.done.Done()
		_ = d.reaper.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("distill daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop cancels background work and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.done.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("distill daemon stopped")
}

// Close stops the daemon and closes both stores.
func (d *Daemon) Close() error {
	d.Stop()
	var firstErr error
	if err := d.queue.Close(); err != nil {
		firstErr = err
	}
	if err := d.ledger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AddUpload accepts a local video file: it is copied into the upload
// directory under its new process identity, recorded in the ledger, and
// started through the pipeline.
func (d *Daemon) AddUpload(ctx context.Context, sourcePath, tenantID, ownerID string) (*ledger.Record, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return nil, errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source path %q is a directory", absPath)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := acceptedExtensions[ext]; !ok {
		return nil, fmt.Errorf("unsupported file extension %q", ext)
	}

	id := ledger.NewID()
	dest := filepath.Join(d.cfg.Paths.UploadDir, id+ext)
	if err := copyFile(absPath, dest); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	destInfo, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat staged upload: %w", err)
	}

	record, err := d.ledger.CreateWithID(ctx, id, tenantID, ownerID, ledger.Artifact{
		Path:    dest,
		Size:    destInfo.Size(),
		Storage: ledger.StorageLocal,
	})
	if err != nil {
		_ = os.Remove(dest)
		return nil, err
	}
	if err := d.pipeline.Start(ctx, record); err != nil {
		return nil, err
	}
	d.logger.Info("upload accepted",
		logging.String(logging.FieldProcessID, record.ID),
		logging.String("source", absPath),
		logging.Int64("size_bytes", destInfo.Size()))
	return record, nil
}

// Status reports the daemon's runtime state and store summaries.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	jobs, err := d.queue.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	records, err := d.ledger.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		LedgerDBPath: d.ledger.Path(),
		QueueDBPath:  d.queue.Path(),
		Jobs:         jobs,
		Records:      records,
	}, nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".partial"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// WaitForShutdown blocks until ctx is done, then stops the daemon. Intended
// for the run command's signal handling.
func (d *Daemon) WaitForShutdown(ctx context.Context) {
	<-ctx.Done()
	d.Stop()
}
