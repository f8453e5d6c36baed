package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"distill/internal/config"
	"distill/internal/ledger"
)

func newReaperFixture(t *testing.T) (*Reaper, *ledger.Store, string) {
	t.Helper()
	work := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = work
	cfg.Paths.UploadDir = ""
	cfg.Reaper.MaxAgeHours = 1
	cfg.Reaper.MaxProcessingMinutes = 30

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewReaper(&cfg, store, nil), store, work
}

func TestSweepRemovesAgedOrphan(t *testing.T) {
	reaper, _, work := newReaperFixture(t)

	orphan := filepath.Join(work, "1b4e28ba-2fa1-4d3b-b263-9a2b7c6d8e9f")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	foreign := filepath.Join(work, "keep-me.txt")
	if err := os.WriteFile(foreign, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Age everything past the threshold by moving the clock, not the files.
	reaper.SetClockForTests(func() time.Time { return time.Now().UTC().Add(3 * time.Hour) })
	reaper.Sweep(context.Background())

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("aged orphan survived the sweep")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("foreign file was deleted")
	}
}

func TestSweepKeepsFreshAndActiveArtifacts(t *testing.T) {
	reaper, store, work := newReaperFixture(t)
	ctx := context.Background()

	record, err := store.Create(ctx, "tenant-1", "owner-1", ledger.Artifact{Path: "/in.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	active := filepath.Join(work, record.ID)
	if err := os.MkdirAll(active, 0o755); err != nil {
		t.Fatal(err)
	}

	fresh := filepath.Join(work, "507f1f77bcf86cd799439011")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatal(err)
	}

	// 90 minutes old: past the threshold but the active record guards its
	// directory until twice the threshold.
	reaper.SetClockForTests(func() time.Time { return time.Now().UTC().Add(90 * time.Minute) })
	reaper.sweepRoots(ctx)

	if _, err := os.Stat(active); err != nil {
		t.Error("active record's artifacts were swept early")
	}
}

func TestSweepFailsStuckRecords(t *testing.T) {
	reaper, store, _ := newReaperFixture(t)
	ctx := context.Background()

	record, err := store.Create(ctx, "tenant-1", "owner-1", ledger.Artifact{Path: "/in.mp4"})
	if err != nil {
		t.Fatal(err)
	}

	reaper.SetClockForTests(func() time.Time { return time.Now().UTC().Add(2 * time.Hour) })
	reaper.Sweep(ctx)

	got, err := store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed for stuck record", got.Status)
	}
	entries, _ := store.Errors(ctx, record.ID)
	if len(entries) == 0 || entries[0].Stage != "reaper" {
		t.Fatalf("error log = %+v, want reaper entry", entries)
	}
}
