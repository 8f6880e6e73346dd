// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docket-project/docket/lib/codec"
)

// ProtocolVersion is the channel protocol version this build speaks.
// The handshake rejects peers outside SupportedVersions before any
// payload is inspected.
const ProtocolVersion = 1

// SupportedVersions is the set of protocol versions this build
// accepts from a peer.
var SupportedVersions = []int{1}

// MessageType identifies what an envelope carries. Request types are
// dispatched by the bridge router; response, error, and heartbeat
// flow back to the agent.
type MessageType string

const (
	// TypeHello opens the handshake. Payload: HelloPayload. The
	// envelope's auth token is validated before any other message is
	// accepted.
	TypeHello MessageType = "hello"

	// TypeHelloAck completes the handshake. Payload: HelloAckPayload.
	TypeHelloAck MessageType = "hello_ack"

	// TypeCloudQuery forwards a sanitized prompt to the configured
	// cloud endpoint. Payload: CloudQueryPayload. Response payload:
	// CloudQueryResult.
	TypeCloudQuery MessageType = "cloud_query"

	// TypeIngestRequest registers a document for ingestion by
	// metadata, without content. Payload: IngestRequestPayload.
	// Response payload: IngestRequestResult carrying the assigned
	// document ID.
	TypeIngestRequest MessageType = "ingest_request"

	// TypeIngestText carries document content inline. Large content
	// rides the chunked frame format transparently. Payload:
	// IngestTextPayload. Response payload: IngestTextResult.
	TypeIngestText MessageType = "ingest_text"

	// TypeCatalogList queries the ingest catalog. Payload:
	// CatalogListPayload. Response payload: CatalogListResult.
	TypeCatalogList MessageType = "catalog_list"

	// TypeHeartbeat is the bridge's unsolicited health report.
	// Payload: Health. Never acknowledged.
	TypeHeartbeat MessageType = "heartbeat"

	// TypeCancel asks the router to stop in-flight work. Payload:
	// CancelPayload naming the target request. The canceled request
	// itself terminates with a canceled error; the cancel message
	// gets a Response acknowledging receipt.
	TypeCancel MessageType = "cancel"

	// TypeStatus asks the bridge for a point-in-time snapshot.
	// Response payload: StatusResult.
	TypeStatus MessageType = "status"

	// TypeShutdown asks the bridge to drain and exit. Response
	// payload: ShutdownResult, sent before the listener closes.
	TypeShutdown MessageType = "shutdown"

	// TypeResponse is a successful reply. The envelope echoes the
	// request's ID; the payload is the request-specific result.
	TypeResponse MessageType = "response"

	// TypeError is a failed reply. Payload: Error. The envelope
	// echoes the request's ID.
	TypeError MessageType = "error"
)

// IsRequest reports whether the type is dispatched by the router.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeCloudQuery, TypeIngestRequest, TypeIngestText,
		TypeCatalogList, TypeCancel, TypeStatus, TypeShutdown:
		return true
	}
	return false
}

// Envelope is the unit of exchange on the channel. The sender owns it
// for its lifetime; the receiver never mutates it, only produces a
// new envelope echoing the request ID.
type Envelope struct {
	// ProtocolVersion must be in the receiver's supported set or the
	// message is rejected before payload inspection.
	ProtocolVersion int `cbor:"protocol_version"`

	// RequestID correlates requests with responses and ledger
	// entries. A retried call carries a fresh ID: same logical
	// intent, new correlation key.
	RequestID string `cbor:"request_id"`

	// Type says how to interpret Payload.
	Type MessageType `cbor:"type"`

	// Payload is the type-specific body, kept raw until the receiver
	// knows what to decode it into.
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	// IssuedAt is the sender's clock at send time, Unix milliseconds.
	// Informational; no ordering guarantees derive from it.
	IssuedAt int64 `cbor:"issued_at"`

	// AuthToken is the shared channel secret. Validated during
	// handshake and re-checked per message. Never logged verbatim;
	// log lines carry a fingerprint instead.
	AuthToken string `cbor:"auth_token,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewEnvelope builds an envelope of the given type with a fresh
// request ID and the payload marshaled in place.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		RequestID:       uuid.NewString(),
		Type:            t,
		IssuedAt:        nowMillis(),
	}
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("ipc: marshaling %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response envelope echoing e's request ID.
func (e *Envelope) Reply(payload any) (Envelope, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("ipc: marshaling response payload: %w", err)
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		RequestID:       e.RequestID,
		Type:            TypeResponse,
		Payload:         raw,
		IssuedAt:        nowMillis(),
	}, nil
}

// ReplyError builds an error envelope echoing e's request ID. The
// taxonomy error rides as the payload; the request ID inside it is
// filled from the envelope when absent.
func (e *Envelope) ReplyError(ipcErr *Error) Envelope {
	if ipcErr.RequestID == "" {
		ipcErr.RequestID = e.RequestID
	}
	raw, err := codec.Marshal(ipcErr)
	if err != nil {
		// An Error struct always marshals; this guards against
		// future field changes breaking the invariant silently.
		raw, _ = codec.Marshal(&Error{Code: ipcErr.Code, Message: "error payload marshal failed: " + err.Error()})
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		RequestID:       e.RequestID,
		Type:            TypeError,
		Payload:         raw,
		IssuedAt:        nowMillis(),
	}
}

// DecodePayload decodes the envelope payload into the given struct,
// normalizing failures to invalid_payload.
func (e *Envelope) DecodePayload(into any) error {
	if err := codec.Unmarshal(e.Payload, into); err != nil {
		return NewError(CodeInvalidPayload, e.RequestID, "decoding %s payload: %v", e.Type, err)
	}
	return nil
}

// PayloadError extracts the taxonomy error from a TypeError envelope.
func (e *Envelope) PayloadError() *Error {
	if e.Type != TypeError {
		return nil
	}
	var ipcErr Error
	if err := codec.Unmarshal(e.Payload, &ipcErr); err != nil {
		return NewError(CodeInvalidPayload, e.RequestID, "undecodable error payload: %v", err)
	}
	if ipcErr.RequestID == "" {
		ipcErr.RequestID = e.RequestID
	}
	return &ipcErr
}

// HelloPayload opens the handshake.
type HelloPayload struct {
	// ClientName identifies the connecting peer. Checked against the
	// server's allowed-client set after the token validates.
	ClientName string `cbor:"client_name"`

	// PID is the client's process ID, for log correlation only.
	PID int `cbor:"pid,omitempty"`
}

// HelloAckPayload completes the handshake.
type HelloAckPayload struct {
	// ServerName identifies the bridge build that accepted the
	// connection.
	ServerName string `cbor:"server_name"`
}

// CloudQueryPayload asks the bridge to forward a prompt to the
// configured cloud endpoint. The agent sanitizes the prompt before
// sending; the bridge sanitizes again before egress and rejects with
// sanitize_block when the guard trips.
type CloudQueryPayload struct {
	// Prompt is the sanitized prompt text.
	Prompt string `cbor:"prompt"`

	// Model optionally overrides the bridge's default model.
	Model string `cbor:"model,omitempty"`

	// MaxTokens optionally caps the response length.
	MaxTokens int `cbor:"max_tokens,omitempty"`
}

// CloudQueryResult is the forwarded endpoint's answer.
type CloudQueryResult struct {
	// Text is the response body.
	Text string `cbor:"text"`

	// Model is the model that actually served the query.
	Model string `cbor:"model,omitempty"`

	// ElapsedMillis is the bridge-measured endpoint latency.
	ElapsedMillis int64 `cbor:"elapsed_millis"`
}

// IngestRequestPayload registers a document by metadata. Content
// follows separately via TypeIngestText referencing the returned
// document ID.
type IngestRequestPayload struct {
	// Title is the display name in catalog listings.
	Title string `cbor:"title"`

	// Source is where the document came from: a path, URL, or note.
	Source string `cbor:"source,omitempty"`

	// ContentHash is the lowercase hex digest of the full content,
	// used to dedupe re-ingestion of unchanged documents.
	ContentHash string `cbor:"content_hash,omitempty"`

	// Size is the content length in bytes, when known up front.
	Size int64 `cbor:"size,omitempty"`

	// MediaType is the MIME type, when known.
	MediaType string `cbor:"media_type,omitempty"`
}

// IngestRequestResult carries the assigned document ID.
type IngestRequestResult struct {
	// DocumentID identifies the registered document in the catalog.
	DocumentID string `cbor:"document_id"`

	// Duplicate is true when ContentHash matched an existing
	// document; DocumentID then names the existing entry.
	Duplicate bool `cbor:"duplicate,omitempty"`
}

// IngestTextPayload carries document content inline.
type IngestTextPayload struct {
	// DocumentID references a prior IngestRequest registration.
	// Empty for one-shot ingestion, in which case Title is required.
	DocumentID string `cbor:"document_id,omitempty"`

	// Title names a one-shot document when DocumentID is empty.
	Title string `cbor:"title,omitempty"`

	// Source is where the content came from, for one-shot ingestion.
	Source string `cbor:"source,omitempty"`

	// Text is the sanitized document content.
	Text string `cbor:"text"`
}

// IngestTextResult reports what the catalog stored.
type IngestTextResult struct {
	// DocumentID identifies the stored document.
	DocumentID string `cbor:"document_id"`

	// Bytes is the stored content length.
	Bytes int64 `cbor:"bytes"`
}

// CatalogListPayload queries the ingest catalog.
type CatalogListPayload struct {
	// Query ranks documents by relevance over title, source, and
	// content. Empty lists everything, newest first.
	Query string `cbor:"query,omitempty"`

	// Limit caps the result count. Zero means the server default.
	Limit int `cbor:"limit,omitempty"`
}

// CatalogDocument is one catalog entry.
type CatalogDocument struct {
	ID          string `cbor:"id"`
	Title       string `cbor:"title"`
	Source      string `cbor:"source,omitempty"`
	Bytes       int64  `cbor:"bytes"`
	ContentHash string `cbor:"content_hash,omitempty"`

	// IngestedAt is Unix milliseconds.
	IngestedAt int64 `cbor:"ingested_at"`
}

// CatalogListResult is the catalog query answer.
type CatalogListResult struct {
	Documents []CatalogDocument `cbor:"documents"`

	// Total is the matching count before Limit was applied.
	Total int `cbor:"total"`
}

// Health is the adaptive heartbeat body. The bridge emits it only
// when a field changed since the last emission or the maximum silence
// interval elapsed.
type Health struct {
	// QueueLength is the router's current in-flight request count.
	QueueLength int `cbor:"queue_length"`

	// LastError is the taxonomy code and message of the most recent
	// router failure, empty when the last request succeeded.
	LastError string `cbor:"last_error"`

	// LastRequestAgeMillis is how long ago the router last served a
	// request. Negative means no request has been served yet.
	LastRequestAgeMillis int64 `cbor:"last_request_age_millis"`
}

// CancelPayload names the request to stop.
type CancelPayload struct {
	// RequestID is the in-flight request to cancel. Cancellation is
	// best-effort, not guaranteed instantaneous.
	RequestID string `cbor:"request_id"`
}

// CancelResult acknowledges a cancel message.
type CancelResult struct {
	// Found is true when the named request was in flight and has
	// been signaled.
	Found bool `cbor:"found"`
}

// StatusResult is the bridge's point-in-time snapshot.
type StatusResult struct {
	// ServerName identifies the bridge build.
	ServerName string `cbor:"server_name"`

	// UptimeMillis is how long the bridge has been running.
	UptimeMillis int64 `cbor:"uptime_millis"`

	// Health is the same body the heartbeat carries.
	Health Health `cbor:"health"`

	// CatalogDocuments is the ingest catalog size.
	CatalogDocuments int `cbor:"catalog_documents"`

	// BreakerState is the forwarder circuit breaker state: closed,
	// open, or half_open.
	BreakerState string `cbor:"breaker_state"`
}

// ShutdownPayload asks the bridge to drain and exit.
type ShutdownPayload struct {
	// Reason is recorded in the bridge's ledger entry for the
	// shutdown.
	Reason string `cbor:"reason,omitempty"`
}

// ShutdownResult acknowledges a shutdown request. It is sent before
// the listener closes.
type ShutdownResult struct {
	Stopping bool `cbor:"stopping"`
}
