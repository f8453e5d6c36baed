package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/logging"
)

// Reaper periodically sweeps aged artifacts out of the storage roots and
// fails records stuck past the processing budget.
type Reaper struct {
	cfg       *config.Config
	ledger    *ledger.Store
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewReaper builds a reaper over the configured roots and ledger.
func NewReaper(cfg *config.Config, store *ledger.Store, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reaper{
		cfg:       cfg,
		ledger:    store,
		validator: NewValidator(cfg.AllowedCleanupRoots()),
		logger:    logging.NewComponentLogger(logger, "reaper"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClockForTests overrides the time source.
func (r *Reaper) SetClockForTests(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.Reaper.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: stuck records first so their artifacts become
// sweepable, then orphaned files.
func (r *Reaper) Sweep(ctx context.Context) {
	r.failStuckRecords(ctx)
	r.sweepRoots(ctx)
}

func (r *Reaper) failStuckRecords(ctx context.Context) {
	budget := time.Duration(r.cfg.Reaper.MaxProcessingMinutes) * time.Minute
	if budget <= 0 {
		return
	}
	cutoff := r.now().Add(-budget)
	records, err := r.ledger.StalledBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("stalled record query failed", logging.Error(err))
		return
	}
	for _, record := range records {
		err := r.ledger.MarkFailed(ctx, record.ID, "reaper",
			"processing exceeded the maximum allowed time", string(record.Status))
		if err != nil {
			r.logger.Warn("failed to mark stuck record",
				logging.String(logging.FieldProcessID, record.ID), logging.Error(err))
			continue
		}
		r.logger.Info("stuck record failed by reaper",
			logging.String(logging.FieldProcessID, record.ID),
			logging.String("last_status", string(record.Status)))
	}
}

func (r *Reaper) sweepRoots(ctx context.Context) {
	maxAge := time.Duration(r.cfg.Reaper.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		return
	}
	for _, root := range r.validator.Roots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			r.sweepEntry(ctx, root, entry, maxAge)
		}
	}
}

func (r *Reaper) sweepEntry(ctx context.Context, root string, entry os.DirEntry, maxAge time.Duration) {
	name := entry.Name()
	if !Owned(name) {
		return
	}
	info, err := entry.Info()
	if err != nil {
		return
	}
	age := r.now().Sub(info.ModTime())
	if age < maxAge {
		return
	}

	processID := strings.TrimSuffix(name, filepath.Ext(name))
	record, err := r.ledger.GetByID(ctx, processID)
	if err != nil {
		r.logger.Warn("reaper record lookup failed",
			logging.String(logging.FieldProcessID, processID), logging.Error(err))
		return
	}
	// An active record protects its artifacts until it stalls well past
	// the threshold.
	if record != nil && !record.Status.Terminal() && age < 2*maxAge {
		return
	}

	path := filepath.Join(root, name)
	if err := r.validator.Remove(path, processID); err != nil {
		r.logger.Warn("reaper removal refused",
			logging.String("path", path), logging.Error(err))
		return
	}
	r.logger.Info("reaper removed aged artifact",
		logging.String("path", path),
		logging.Duration("age", age))
}
