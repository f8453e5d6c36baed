package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"distill/internal/services"
)

func TestValidateAllowListAndOwnership(t *testing.T) {
	work := t.TempDir()
	upload := t.TempDir()
	validator := NewValidator([]string{work, upload})
	processID := "1b4e28ba-2fa1-4d3b-b263-9a2b7c6d8e9f"

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"process work dir", filepath.Join(work, processID), false},
		{"file named by process id", filepath.Join(upload, processID+".mp4"), false},
		{"segments dir", filepath.Join(work, processID, "segments"), false},
		{"segment file inside owned dir", filepath.Join(work, processID, "segments", "segment_000.wav"), false},
		{"24-hex object id", filepath.Join(upload, "507f1f77bcf86cd799439011.mp4"), false},
		{"outside every root", "/etc/passwd", true},
		{"root itself", work, true},
		{"traversal out of root", filepath.Join(work, "..", "escape"), true},
		{"unowned file inside root", filepath.Join(work, "notes.txt"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(tc.path, processID)
			if tc.wantErr {
				if !errors.Is(err, services.ErrValidation) {
					t.Fatalf("err = %v, want validation refusal", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestRemoveRefusesForeignPath(t *testing.T) {
	work := t.TempDir()
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.txt")
	if err := os.WriteFile(victim, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	validator := NewValidator([]string{work})
	if err := validator.Remove(victim, "proc-1"); err == nil {
		t.Fatal("foreign path was deleted")
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("victim file gone: %v", err)
	}
}

func TestRemoveDeletesOwnedTree(t *testing.T) {
	work := t.TempDir()
	processID := "1b4e28ba-2fa1-4d3b-b263-9a2b7c6d8e9f"
	dir := filepath.Join(work, processID, "segments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "segment_000.wav"), []byte("pcm"), 0o644); err != nil {
		t.Fatal(err)
	}

	validator := NewValidator([]string{work})
	if err := validator.Remove(filepath.Join(work, processID), processID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, processID)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("owned tree still present")
	}

	// Replayed removal of an absent path stays clean.
	if err := validator.Remove(filepath.Join(work, processID), processID); err != nil {
		t.Fatalf("replayed Remove: %v", err)
	}
}

func TestOwnedMarkers(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"1b4e28ba-2fa1-4d3b-b263-9a2b7c6d8e9f", true},
		{"507f1f77bcf86cd799439011", true},
		{"507f1f77bcf86cd799439011.mp4", true},
		{"segments", true},
		{"vacation-video.mp4", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := Owned(tc.name); got != tc.want {
			t.Errorf("Owned(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
