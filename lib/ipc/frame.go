// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docket-project/docket/lib/codec"
)

// Frame kind constants for the channel wire format. Each frame is a
// 5-byte header (1 byte kind + 4 byte big-endian payload length)
// followed by the payload.
const (
	// FrameEnvelope carries one complete CBOR-encoded Envelope.
	FrameEnvelope byte = 0x01

	// FrameChunk carries one piece of a split envelope. The payload
	// is a CBOR-encoded chunk header; the receiver reassembles the
	// pieces into envelope bytes after the final chunk marker.
	FrameChunk byte = 0x02
)

// frameHeaderLength is the fixed size of a frame header: 1 byte kind
// + 4 bytes payload length.
const frameHeaderLength = 5

// DefaultMaxPayload is the default per-frame payload cap. Envelopes
// larger than the configured cap must ride the chunk format instead.
const DefaultMaxPayload = 4 * 1024 * 1024

// Frame is a single wire frame.
type Frame struct {
	Kind    byte
	Payload []byte
}

// WriteFrame writes a framed payload to w. The frame format is:
// [1 byte kind] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = frame.Kind
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed payload from r. A frame whose declared
// length exceeds maxPayload is rejected with oversized_payload before
// any payload bytes are read.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	kind := header[0]
	if kind != FrameEnvelope && kind != FrameChunk {
		return Frame{}, NewError(CodeInvalidPayload, "", "unknown frame kind 0x%02x", kind)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if int(payloadLength) > maxPayload {
		return Frame{}, NewError(CodeOversizedPayload, "",
			"frame length %d exceeds maximum %d", payloadLength, maxPayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// WriteEnvelope marshals env and writes it, splitting into chunks
// when the encoded size exceeds maxPayload. chunkSize bounds each
// chunk's data; it must be at most maxPayload less the chunk header
// overhead.
func WriteEnvelope(w io.Writer, env Envelope, maxPayload, chunkSize int) error {
	encoded, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshaling envelope: %w", err)
	}
	if len(encoded) <= maxPayload {
		return WriteFrame(w, Frame{Kind: FrameEnvelope, Payload: encoded})
	}
	chunks, err := splitEnvelope(env.RequestID, encoded, chunkSize)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		chunkPayload, err := codec.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("ipc: marshaling chunk %d: %w", chunk.Index, err)
		}
		if err := WriteFrame(w, Frame{Kind: FrameChunk, Payload: chunkPayload}); err != nil {
			return err
		}
	}
	return nil
}
