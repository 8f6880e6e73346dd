// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the framed channel between the agent and the
// bridge. Both processes speak length-prefixed CBOR envelopes over a
// local Unix socket: a 1-byte message type, a 4-byte big-endian
// payload length, then the envelope bytes.
//
// The package is organized around the channel lifecycle:
//
//   - frame.go: wire format (framed binary messages with a size guard)
//   - types.go: envelope and payload schemas shared by both processes
//   - handshake.go: version and authentication exchange on connect
//   - chunk.go: splitting and reassembly of oversized payloads
//   - client.go: agent-side connection, calls, retry, and health
//   - server.go: bridge-side listener and request dispatch
//   - breaker.go: circuit breaker shared by channel and forwarder
//   - heartbeat.go: adaptive health emission and staleness tracking
//
// Every request carries a request_id; responses and log lines echo it
// so an auditor can reconstruct full exchanges without channel-level
// ordering guarantees. Retried calls get a fresh request_id: the same
// logical intent under a new correlation key is still a new exchange.
package ipc
