// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the background half of docket: a local
// service that mediates everything the agent must not do directly.
//
// The agent process stays focused on governed command execution; it
// never opens an outbound network connection itself. When a step needs
// a cloud query, a document ingested, or catalog metadata, the agent
// sends a typed request over the versioned Unix socket channel and the
// bridge does the work. The bridge owns its durable state alone: the
// document catalog, the outbound circuit breaker, and an optional
// audit ledger recording every egress and mutation it serves.
//
// [Bridge] is the service. Start opens the catalog, binds the channel
// socket, and serves in the background; Stop drains and closes. Three
// components do the work behind it:
//
//   - [Forwarder] carries cloud queries out: sanitization and prompt
//     guards before egress, bearer auth, bounded retries with backoff,
//     and a circuit breaker that suspends a failing endpoint. In
//     local-only mode it refuses every query.
//   - [Catalog] is the SQLite document store behind ingestion, with
//     content-hash deduplication and an integrity sweep.
//   - [Router] dispatches channel requests to those components and
//     writes the bridge-side audit trail.
//
// Housekeeping runs on a timer: catalog sweeps re-hash stored content
// to surface corruption, and the audit ledger's retention policy is
// enforced. A client holding the channel token can request shutdown
// over the channel; the bridge acknowledges, then drains and exits.
package bridge
