// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/docket-project/docket/cmd/docket/commands"
	"github.com/docket-project/docket/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like run) return an
		// ExitError with the desired exit code. Don't print a
		// redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
