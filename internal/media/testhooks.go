package media

import (
	"context"
	"os/exec"
)

// runCommand executes an external binary and returns its combined output.
// It is a package-level variable so tests can override it.
var runCommand = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).CombinedOutput() //nolint:gosec
}

// SetRunnerForTests overrides the command runner during tests.
func SetRunnerForTests(fn func(context.Context, string, ...string) ([]byte, error)) func() {
	previous := runCommand
	runCommand = fn
	return func() {
		runCommand = previous
	}
}
