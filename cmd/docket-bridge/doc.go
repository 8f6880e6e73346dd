// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Docket-bridge is the background half of docket. It serves the local
// channel socket, forwards sanitized cloud queries to the configured
// endpoint, catalogs ingested documents, and sweeps its durable state
// on a housekeeping interval. The agent CLI authenticates with the
// shared channel token; every mutating or egress request lands in the
// bridge's own audit ledger.
package main
