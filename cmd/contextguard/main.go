// Package main is the entry point for the ContextGuard gateway.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/contextguard/contextguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			// Propagate the child's exit code without extra noise.
			os.Exit(exitErr.Code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
