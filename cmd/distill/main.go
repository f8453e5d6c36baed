package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// A cancelled signal context is a normal shutdown, not an error.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "distill:", err)
		}
		os.Exit(1)
	}
}
