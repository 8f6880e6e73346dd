// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the docket CLI
// and the bridge daemon. It centralizes the one legitimate raw-stderr
// pattern that exists before the structured logger is initialized:
// fatal error reporting from main().
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
