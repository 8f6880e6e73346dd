// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/docket-project/docket/lib/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"envelope", Frame{Kind: FrameEnvelope, Payload: []byte("hello")}},
		{"chunk", Frame{Kind: FrameChunk, Payload: bytes.Repeat([]byte{0xAB}, 1024)}},
		{"empty payload", Frame{Kind: FrameEnvelope}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tc.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf, DefaultMaxPayload)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Kind != tc.frame.Kind {
				t.Errorf("kind = 0x%02x, want 0x%02x", got.Kind, tc.frame.Kind)
			}
			if !bytes.Equal(got.Payload, tc.frame.Payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(tc.frame.Payload))
			}
			if buf.Len() != 0 {
				t.Errorf("trailing bytes left in buffer: %d", buf.Len())
			}
		})
	}
}

func TestReadFrameRejectsOversizedBeforeBody(t *testing.T) {
	// Header declares a gigabyte but no body follows. The size guard
	// must fire on the declared length, not after reading.
	var buf bytes.Buffer
	buf.WriteByte(FrameEnvelope)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], 1<<30)
	buf.Write(length[:])

	_, err := ReadFrame(&buf, 1024)
	if !IsCode(err, CodeOversizedPayload) {
		t.Fatalf("ReadFrame error = %v, want %s", err, CodeOversizedPayload)
	}
}

func TestReadFrameUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x7F)
	buf.Write(make([]byte, 4))

	_, err := ReadFrame(&buf, 1024)
	if !IsCode(err, CodeInvalidPayload) {
		t.Fatalf("ReadFrame error = %v, want %s", err, CodeInvalidPayload)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", []byte{FrameEnvelope, 0, 0}},
		{"short payload", []byte{FrameEnvelope, 0, 0, 0, 10, 'a', 'b'}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadFrame(bytes.NewReader(tc.raw), 1024); err == nil {
				t.Fatal("expected read error on truncated input")
			}
		})
	}
}

func TestWriteEnvelopeSingleFrame(t *testing.T) {
	env, err := NewEnvelope(TypeStatus, struct{}{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env, DefaultMaxPayload, 256*1024); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	frame, err := ReadFrame(&buf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != FrameEnvelope {
		t.Fatalf("kind = 0x%02x, want envelope", frame.Kind)
	}
	var got Envelope
	if err := codec.Unmarshal(frame.Payload, &got); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if got.RequestID != env.RequestID {
		t.Errorf("request_id = %q, want %q", got.RequestID, env.RequestID)
	}
	if got.Type != TypeStatus {
		t.Errorf("type = %q, want %q", got.Type, TypeStatus)
	}
	if buf.Len() != 0 {
		t.Errorf("trailing bytes after single frame: %d", buf.Len())
	}
}

func TestWriteEnvelopeChunksOversized(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 4096)
	env, err := NewEnvelope(TypeIngestText, IngestTextPayload{
		DocumentID: "doc-1",
		Title:      "large document",
		Text:       text,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	maxPayload := 16 * 1024
	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env, maxPayload, 8*1024); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	reassembler := NewReassembler(DefaultMaxPayload)
	var got *Envelope
	chunkCount := 0
	for buf.Len() > 0 {
		frame, err := ReadFrame(&buf, maxPayload)
		if err != nil {
			t.Fatalf("ReadFrame after %d chunks: %v", chunkCount, err)
		}
		if frame.Kind != FrameChunk {
			t.Fatalf("frame %d kind = 0x%02x, want chunk", chunkCount, frame.Kind)
		}
		var chunk ChunkFrame
		if err := codec.Unmarshal(frame.Payload, &chunk); err != nil {
			t.Fatalf("decoding chunk %d: %v", chunkCount, err)
		}
		if chunk.RequestID != env.RequestID {
			t.Fatalf("chunk %d request_id = %q, want %q", chunkCount, chunk.RequestID, env.RequestID)
		}
		complete, err := reassembler.Add(chunk)
		if err != nil {
			t.Fatalf("reassembling chunk %d: %v", chunkCount, err)
		}
		if complete != nil {
			got = complete
		}
		chunkCount++
	}
	if chunkCount < 2 {
		t.Fatalf("chunk count = %d, want at least 2", chunkCount)
	}
	if got == nil {
		t.Fatal("reassembly never produced the envelope")
	}
	var payload IngestTextPayload
	if err := got.DecodePayload(&payload); err != nil {
		t.Fatalf("decoding reassembled payload: %v", err)
	}
	if payload.Text != text {
		t.Error("text corrupted across chunking")
	}
}
