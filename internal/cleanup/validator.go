package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"distill/internal/services"
)

var (
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hex24Pattern = regexp.MustCompile(`^[0-9a-f]{24}$`)
)

// Validator decides whether a local path may be deleted.
type Validator struct {
	roots []string
}

// NewValidator builds a validator over the allowed deletion roots. Paths
// outside every root are always refused.
func NewValidator(roots []string) *Validator {
	cleaned := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if abs, err := filepath.Abs(root); err == nil {
			cleaned = append(cleaned, abs)
		}
	}
	return &Validator{roots: cleaned}
}

// Validate reports whether path may be deleted on behalf of processID.
// The path must live under an allowed root and must carry an ownership
// marker: the process id itself, a UUID, a 24-hex object id, or a
// "segments" working directory.
func (v *Validator) Validate(path, processID string) error {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return services.Wrap(services.ErrValidation, "cleanup", "validate", path, err)
	}
	if abs == "/" || abs == "" {
		return services.Wrap(services.ErrValidation, "cleanup", "validate", "refusing filesystem root", nil)
	}

	var relative string
	for _, root := range v.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		relative = rel
		break
	}
	if relative == "" {
		return services.Wrap(
			services.ErrValidation,
			"cleanup",
			"validate",
			fmt.Sprintf("path %s is outside the allowed roots", abs),
			nil,
		)
	}

	for _, element := range strings.Split(relative, string(filepath.Separator)) {
		if owned(element, processID) {
			return nil
		}
	}
	return services.Wrap(
		services.ErrValidation,
		"cleanup",
		"validate",
		fmt.Sprintf("path %s carries no ownership marker for process %s", abs, processID),
		nil,
	)
}

// Remove deletes path after validation. Absent paths are not an error so
// replayed cleanup jobs stay idempotent.
func (v *Validator) Remove(path, processID string) error {
	if err := v.Validate(path, processID); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Roots returns the allowed deletion roots.
func (v *Validator) Roots() []string {
	return append([]string(nil), v.roots...)
}

func owned(element, processID string) bool {
	if element == "" {
		return false
	}
	// Strip the extension so uploaded files named by id still match.
	base := strings.TrimSuffix(element, filepath.Ext(element))
	if processID != "" && (element == processID || base == processID) {
		return true
	}
	if element == "segments" {
		return true
	}
	if uuidPattern.MatchString(base) {
		return true
	}
	if hex24Pattern.MatchString(base) {
		return true
	}
	return false
}

// Owned reports whether a directory entry name looks pipeline-owned. The
// reaper uses this to skip foreign files during sweeps.
func Owned(name string) bool {
	return owned(name, "")
}
