package testsupport

import (
	"context"
	"testing"

	"distill/internal/ledger"
	"distill/internal/queue"
)

// MustOpenQueue opens a queue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, opts ...queue.StoreOption) *queue.Store {
	t.Helper()

	store, err := queue.Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenLedger opens a ledger.Store for tests and registers cleanup.
func MustOpenLedger(t testing.TB, opts ...ledger.StoreOption) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRecord creates a process record for tests using the provided store.
func NewRecord(t testing.TB, store *ledger.Store, tenantID, ownerID, sourcePath string) *ledger.Record {
	t.Helper()

	record, err := store.Create(context.Background(), tenantID, ownerID, ledger.Artifact{
		Path:    sourcePath,
		Storage: ledger.StorageLocal,
	})
	if err != nil {
		t.Fatalf("ledger.Create: %v", err)
	}
	return record
}
