// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the docket CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a [pflag.FlagSet]
// factory, and a Run function. The commands package assembles the
// full tree, and main dispatches it via [Command.Execute], which
// handles flag parsing, subcommand routing, and structured help
// output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3). This is
// implemented in suggest.go.
//
// [LoadConfig] is the shared configuration entry point: an explicit
// --config path wins, otherwise the DOCKET_CONFIG environment
// variable names the file. [NewLogger] builds the standard CLI
// logger, text on a terminal and JSON when piped, with --verbose
// lowering the level to debug.
//
// The wiring helpers assemble the heavier collaborators commands
// share: [NewGovernor] builds the governance pipeline over the audit
// ledger, [OpenLedger] opens the ledger alone, and [NewBridgeClient]
// builds the channel client for commands that talk to the bridge
// daemon. [NewPrompt] is the interactive approver for ask-tier steps;
// it returns nil without a terminal, and ask-tier steps are then
// denied.
package cli
