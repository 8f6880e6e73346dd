// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ContentDigest is the canonical content hash carried in ingest
// payloads: lowercase hex BLAKE3. The agent computes it client-side
// and the catalog recomputes it on delivery, so registration can
// dedupe before any content crosses the channel.
func ContentDigest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
