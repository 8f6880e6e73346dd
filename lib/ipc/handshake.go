// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/docket-project/docket/lib/codec"
)

// Fingerprint returns a short stable fingerprint of an auth token for
// log lines. Tokens are never logged verbatim.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// HandshakeConfig is the server side's acceptance criteria. Checks
// run in a fixed order: protocol version, then auth token, then
// client allowlist. The first failure is answered with its taxonomy
// code and the connection closes; there is no retry at this layer.
type HandshakeConfig struct {
	// ServerName is returned in the hello acknowledgement.
	ServerName string

	// ProtocolVersions is the accepted version set. Empty means
	// SupportedVersions.
	ProtocolVersions []int

	// AuthToken is the expected shared secret. Compared in constant
	// time.
	AuthToken string

	// AllowedClients names the peers permitted to connect. An empty
	// list rejects every peer: the allowlist is explicit
	// configuration, not a default-open gate.
	AllowedClients []string

	// MaxPayload bounds the hello frame.
	MaxPayload int
}

// ClientHandshake opens the channel from the client side: it sends
// hello and waits for hello_ack. A TypeError reply is converted to
// its taxonomy error.
func ClientHandshake(rw io.ReadWriter, clientName, authToken string, maxPayload int) (*HelloAckPayload, error) {
	env, err := NewEnvelope(TypeHello, HelloPayload{ClientName: clientName, PID: os.Getpid()})
	if err != nil {
		return nil, err
	}
	env.AuthToken = authToken
	if err := WriteEnvelope(rw, env, maxPayload, maxPayload); err != nil {
		return nil, fmt.Errorf("ipc: sending hello: %w", err)
	}

	frame, err := ReadFrame(rw, maxPayload)
	if err != nil {
		return nil, fmt.Errorf("ipc: reading hello reply: %w", err)
	}
	if frame.Kind != FrameEnvelope {
		return nil, NewError(CodeInvalidPayload, env.RequestID, "hello reply is not a plain envelope")
	}
	var reply Envelope
	if err := codec.Unmarshal(frame.Payload, &reply); err != nil {
		return nil, NewError(CodeInvalidPayload, env.RequestID, "decoding hello reply: %v", err)
	}
	if reply.Type == TypeError {
		return nil, reply.PayloadError()
	}
	if reply.Type != TypeHelloAck {
		return nil, NewError(CodeInvalidPayload, env.RequestID, "unexpected hello reply type %q", reply.Type)
	}
	var ack HelloAckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ServerHandshake validates the first message on a new connection and
// acknowledges it. On failure it answers with the taxonomy error and
// returns it; the caller closes the connection.
func ServerHandshake(rw io.ReadWriter, config HandshakeConfig) (*HelloPayload, error) {
	versions := config.ProtocolVersions
	if len(versions) == 0 {
		versions = SupportedVersions
	}

	frame, err := ReadFrame(rw, config.MaxPayload)
	if err != nil {
		return nil, fmt.Errorf("ipc: reading hello: %w", err)
	}
	if frame.Kind != FrameEnvelope {
		return nil, refuse(rw, &Envelope{}, NewError(CodeInvalidPayload, "", "hello must be a plain envelope"))
	}
	var env Envelope
	if err := codec.Unmarshal(frame.Payload, &env); err != nil {
		return nil, refuse(rw, &Envelope{}, NewError(CodeInvalidPayload, "", "decoding hello: %v", err))
	}

	// Version gates before any payload inspection.
	if !slices.Contains(versions, env.ProtocolVersion) {
		return nil, refuse(rw, &env, NewError(CodeVersionMismatch, env.RequestID,
			"protocol version %d not in supported set %v", env.ProtocolVersion, versions))
	}
	if env.Type != TypeHello {
		return nil, refuse(rw, &env, NewError(CodeInvalidPayload, env.RequestID,
			"first message must be hello, got %q", env.Type))
	}
	if subtle.ConstantTimeCompare([]byte(env.AuthToken), []byte(config.AuthToken)) != 1 {
		return nil, refuse(rw, &env, NewError(CodeUnauthorized, env.RequestID,
			"auth token rejected (fingerprint %s)", Fingerprint(env.AuthToken)))
	}
	var hello HelloPayload
	if derr := env.DecodePayload(&hello); derr != nil {
		ipcErr, ok := derr.(*Error)
		if !ok {
			ipcErr = NewError(CodeInvalidPayload, env.RequestID, "%v", derr)
		}
		return nil, refuse(rw, &env, ipcErr)
	}
	if !slices.Contains(config.AllowedClients, hello.ClientName) {
		return nil, refuse(rw, &env, NewError(CodeUnauthorized, env.RequestID,
			"client %q not in allowlist", hello.ClientName))
	}

	ackPayload, err := codec.Marshal(HelloAckPayload{ServerName: config.ServerName})
	if err != nil {
		return nil, fmt.Errorf("ipc: marshaling hello ack: %w", err)
	}
	ack := Envelope{
		ProtocolVersion: ProtocolVersion,
		RequestID:       env.RequestID,
		Type:            TypeHelloAck,
		Payload:         ackPayload,
		IssuedAt:        nowMillis(),
	}
	if err := WriteEnvelope(rw, ack, config.MaxPayload, config.MaxPayload); err != nil {
		return nil, fmt.Errorf("ipc: sending hello ack: %w", err)
	}
	return &hello, nil
}

// refuse answers a failed handshake with its taxonomy error. The
// write is best-effort; the refusal error is what matters.
func refuse(w io.Writer, env *Envelope, ipcErr *Error) error {
	reply := env.ReplyError(ipcErr)
	if err := WriteFrameEnvelope(w, reply); err != nil {
		return ipcErr
	}
	return ipcErr
}

// WriteFrameEnvelope writes one envelope as a single plain frame with
// no size guard. Used for small control replies where the payload is
// known to be tiny.
func WriteFrameEnvelope(w io.Writer, env Envelope) error {
	encoded, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshaling envelope: %w", err)
	}
	return WriteFrame(w, Frame{Kind: FrameEnvelope, Payload: encoded})
}
