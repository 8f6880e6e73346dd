// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides docket's standard CBOR encoding configuration.
//
// Everything that crosses the agent/bridge process boundary or lands in
// durable storage is CBOR: the IPC envelope and its payloads, catalog
// records, and the canonical byte form hashed into the ledger chain.
// YAML is reserved for human-edited configuration and JSONC for rule
// files; neither ever appears on the wire.
//
// The shared encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Determinism is load-bearing: the ledger chain hashes the
// encoded entry, so the same logical entry must always produce
// identical bytes.
//
// Buffer-oriented use (hashing, storage):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented use (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode applies Core Deterministic Encoding. Same logical data, same
// bytes, always.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility across protocol versions.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (risk levels, message
	// types) serialize as CBOR text strings via MarshalText rather
	// than as opaque structs.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Docket never uses non-string map keys. When decoding into an
		// any-typed target the decoder must pick a concrete map type;
		// the CBOR default map[interface{}]interface{} is useless to
		// the rest of the codebase, so force map[string]any. Struct
		// field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Mirror of TextMarshaler above for round-trip correctness.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value. The IPC envelope carries its
// payload as a RawMessage so the transport can route a message without
// decoding the type-specific body.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder writing to w with the deterministic
// configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r with the standard
// configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns CBOR diagnostic notation (RFC 8949 §8) for data.
// Used by `docket ledger show --raw` when inspecting archived
// segments.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
