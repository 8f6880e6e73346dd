// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"github.com/klauspost/compress/zstd"

	"github.com/docket-project/docket/lib/codec"
)

// Chunk encoding constants. Stored in chunk headers on the wire, so
// changing them breaks protocol compatibility.
const (
	// ChunkEncodingRaw marks uncompressed chunk data.
	ChunkEncodingRaw = "raw"

	// ChunkEncodingZstd marks zstd-compressed chunk data.
	ChunkEncodingZstd = "zstd"
)

// chunkZstdEncoder and chunkZstdDecoder are reused across calls to
// avoid repeated initialization overhead. Both are safe for
// concurrent use.
var (
	chunkZstdEncoder *zstd.Encoder
	chunkZstdDecoder *zstd.Decoder
)

func init() {
	var err error
	chunkZstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("ipc: zstd encoder initialization failed: " + err.Error())
	}
	chunkZstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ipc: zstd decoder initialization failed: " + err.Error())
	}
}

// ChunkFrame is one piece of a split envelope. All chunks of one
// envelope share the request ID and are ordered by a sequence index;
// the receiver reassembles only after the final marker and discards
// partial buffers on channel reset.
type ChunkFrame struct {
	// RequestID ties the chunk to its envelope.
	RequestID string `cbor:"request_id"`

	// Index is the zero-based sequence position. Chunks must arrive
	// in order; a gap or repeat is invalid_payload.
	Index uint32 `cbor:"index"`

	// Final marks the last chunk of the envelope.
	Final bool `cbor:"final"`

	// Encoding is raw or zstd. Each chunk is compressed
	// independently, falling back to raw when compression does not
	// shrink the data.
	Encoding string `cbor:"encoding"`

	// RawSize is the data length before compression. Verified on
	// decompression.
	RawSize int `cbor:"raw_size"`

	// Data is the chunk body.
	Data []byte `cbor:"data"`
}

// splitEnvelope cuts encoded envelope bytes into ordered chunks of at
// most chunkSize raw bytes each, compressing each chunk when that
// makes it smaller.
func splitEnvelope(requestID string, encoded []byte, chunkSize int) ([]ChunkFrame, error) {
	if chunkSize <= 0 {
		return nil, NewError(CodeInvalidPayload, requestID, "chunk size %d must be positive", chunkSize)
	}
	var chunks []ChunkFrame
	for offset := 0; offset < len(encoded); offset += chunkSize {
		end := offset + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		raw := encoded[offset:end]
		chunk := ChunkFrame{
			RequestID: requestID,
			Index:     uint32(len(chunks)),
			Final:     end == len(encoded),
			Encoding:  ChunkEncodingRaw,
			RawSize:   len(raw),
			Data:      raw,
		}
		if compressed := chunkZstdEncoder.EncodeAll(raw, nil); len(compressed) < len(raw) {
			chunk.Encoding = ChunkEncodingZstd
			chunk.Data = compressed
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		// A zero-length envelope cannot happen (CBOR structs encode
		// to at least one byte), but a single empty final chunk keeps
		// the reassembler total.
		chunks = append(chunks, ChunkFrame{
			RequestID: requestID,
			Final:     true,
			Encoding:  ChunkEncodingRaw,
		})
	}
	return chunks, nil
}

// chunkData returns the chunk body, decompressed when needed.
func chunkData(chunk ChunkFrame) ([]byte, error) {
	switch chunk.Encoding {
	case ChunkEncodingRaw:
		if len(chunk.Data) != chunk.RawSize {
			return nil, NewError(CodeInvalidPayload, chunk.RequestID,
				"raw chunk %d: size %d does not match declared %d", chunk.Index, len(chunk.Data), chunk.RawSize)
		}
		return chunk.Data, nil
	case ChunkEncodingZstd:
		out, err := chunkZstdDecoder.DecodeAll(chunk.Data, make([]byte, 0, chunk.RawSize))
		if err != nil {
			return nil, NewError(CodeInvalidPayload, chunk.RequestID,
				"zstd chunk %d: %v", chunk.Index, err)
		}
		if len(out) != chunk.RawSize {
			return nil, NewError(CodeInvalidPayload, chunk.RequestID,
				"zstd chunk %d: got %d bytes, declared %d", chunk.Index, len(out), chunk.RawSize)
		}
		return out, nil
	}
	return nil, NewError(CodeInvalidPayload, chunk.RequestID,
		"chunk %d: unknown encoding %q", chunk.Index, chunk.Encoding)
}

// Reassembler buffers ordered chunks of one envelope and yields the
// decoded envelope after the final chunk. A Reassembler belongs to
// one connection; Reset discards any partial buffer on channel reset.
type Reassembler struct {
	// maxTotal bounds the reassembled envelope size. The per-frame
	// cap does not protect against many small chunks adding up.
	maxTotal int

	requestID string
	nextIndex uint32
	buffer    []byte
	active    bool
}

// NewReassembler builds a reassembler that rejects reassembled
// envelopes larger than maxTotal bytes.
func NewReassembler(maxTotal int) *Reassembler {
	return &Reassembler{maxTotal: maxTotal}
}

// Add consumes one chunk. It returns the completed envelope after the
// final chunk, or nil while more chunks are expected. Order
// violations, request ID mixing, and size overruns fail with
// invalid_payload or oversized_payload and reset the buffer.
func (r *Reassembler) Add(chunk ChunkFrame) (*Envelope, error) {
	if !r.active {
		if chunk.Index != 0 {
			return nil, NewError(CodeInvalidPayload, chunk.RequestID,
				"chunk sequence starts at %d, want 0", chunk.Index)
		}
		r.active = true
		r.requestID = chunk.RequestID
		r.nextIndex = 0
		r.buffer = r.buffer[:0]
	}
	if chunk.RequestID != r.requestID {
		defer r.Reset()
		return nil, NewError(CodeInvalidPayload, chunk.RequestID,
			"chunk request_id %s interleaved with %s", chunk.RequestID, r.requestID)
	}
	if chunk.Index != r.nextIndex {
		defer r.Reset()
		return nil, NewError(CodeInvalidPayload, chunk.RequestID,
			"chunk %d out of order, want %d", chunk.Index, r.nextIndex)
	}

	data, err := chunkData(chunk)
	if err != nil {
		r.Reset()
		return nil, err
	}
	if len(r.buffer)+len(data) > r.maxTotal {
		defer r.Reset()
		return nil, NewError(CodeOversizedPayload, chunk.RequestID,
			"reassembled envelope exceeds maximum %d", r.maxTotal)
	}
	r.buffer = append(r.buffer, data...)
	r.nextIndex++

	if !chunk.Final {
		return nil, nil
	}

	var env Envelope
	if err := codec.Unmarshal(r.buffer, &env); err != nil {
		r.Reset()
		return nil, NewError(CodeInvalidPayload, chunk.RequestID,
			"decoding reassembled envelope: %v", err)
	}
	r.Reset()
	return &env, nil
}

// Pending reports whether a partial envelope is buffered.
func (r *Reassembler) Pending() bool {
	return r.active
}

// Reset discards any partial buffer. Called on channel reset so a
// reconnecting peer starts clean.
func (r *Reassembler) Reset() {
	r.active = false
	r.requestID = ""
	r.nextIndex = 0
	r.buffer = r.buffer[:0]
}
