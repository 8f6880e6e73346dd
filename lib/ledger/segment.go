// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/docket-project/docket/lib/codec"
	"github.com/docket-project/docket/lib/secret"
)

// Segment file layout:
//
//	[0:4]  magic "DKLG"
//	[4]    format version (0x01)
//	[5]    compression tag
//	[6]    flags (bit 0: encrypted)
//	[7:11] uncompressed segment size, uint32 big-endian
//	[11:]  body
//
// The body is the CBOR-encoded segment, compressed per the tag. When
// the encrypted flag is set the body is a 24-byte XChaCha20 nonce
// followed by ciphertext+tag, with the 11-byte header as AAD so the
// metadata cannot be swapped without detection.
const (
	segmentMagic   = "DKLG"
	segmentVersion = 0x01

	segmentHeaderSize = 11
	segmentFlagSealed = 0x01

	// maxSegmentPlainSize bounds the decoded segment so a corrupt
	// size field cannot drive an enormous allocation.
	maxSegmentPlainSize = 1 << 30
)

// archiveKeyInfo is the HKDF context string for deriving the segment
// sealing key from the configured master key.
var archiveKeyInfo = []byte("docket.ledger.archive.enc.v1")

// CompressionTag identifies the compression algorithm of a segment
// body. Tags are stored in segment headers (1 byte); the values are
// format constants.
type CompressionTag uint8

const (
	// CompressionNone stores the segment uncompressed. Also the
	// automatic fallback when compression would not shrink the body.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 uses LZ4 block compression.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd uses zstd at the default level. Ledger
	// payloads are mostly text, where zstd ratios are markedly
	// better than LZ4, so this is the default.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a tag from its string form.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// errIncompressible signals that compression would not shrink the
// body; the caller falls back to CompressionNone.
var errIncompressible = errors.New("data is incompressible")

// zstdEncoder and zstdDecoder are shared across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ledger: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ledger: zstd decoder initialization failed: " + err.Error())
	}
}

func compressBody(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock reports incompressible data by writing
		// nothing.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompressBody(compressed []byte, tag CompressionTag, plainSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != plainSize {
			return nil, fmt.Errorf("uncompressed segment: size %d does not match declared %d",
				len(compressed), plainSize)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, plainSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != plainSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, plainSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, plainSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != plainSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), plainSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// ArchiveRow is one archived entry: the exact stored payload plus its
// chain linkage, so a segment remains independently verifiable.
type ArchiveRow struct {
	Seq       int64            `cbor:"seq" json:"seq"`
	PrevHash  []byte           `cbor:"prev_hash" json:"prev_hash"`
	ChainHash []byte           `cbor:"chain_hash" json:"chain_hash"`
	Payload   codec.RawMessage `cbor:"payload" json:"payload"`
}

// ArchiveSegment is the decoded contents of one archive file.
type ArchiveSegment struct {
	FormatVersion int          `cbor:"version" json:"version"`
	CreatedAt     int64        `cbor:"created_at" json:"created_at"`
	FirstSeq      int64        `cbor:"first_seq" json:"first_seq"`
	LastSeq       int64        `cbor:"last_seq" json:"last_seq"`
	Rows          []ArchiveRow `cbor:"rows" json:"rows"`
}

// Entries decodes every archived payload.
func (s *ArchiveSegment) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(s.Rows))
	for _, row := range s.Rows {
		var entry Entry
		if err := codec.Unmarshal(row.Payload, &entry); err != nil {
			return nil, fmt.Errorf("ledger: decode archived entry %d: %w", row.Seq, err)
		}
		entry.Sequence = row.Seq
		entries = append(entries, entry)
	}
	return entries, nil
}

// Verify recomputes the chain over the segment's rows. The first
// row's stored predecessor is the starting point, exactly as in the
// live database walk.
func (s *ArchiveSegment) Verify() error {
	var prev []byte
	for i, row := range s.Rows {
		if i == 0 {
			prev = row.PrevHash
		} else if !bytes.Equal(row.PrevHash, prev) {
			return fmt.Errorf("ledger: segment entry %d: predecessor hash does not match previous entry", row.Seq)
		}
		expected := keyedSum(chainKey, prev, row.Payload)
		if !bytes.Equal(row.ChainHash, expected) {
			return fmt.Errorf("ledger: segment entry %d: chain hash does not match payload", row.Seq)
		}
		prev = row.ChainHash
	}
	return nil
}

func buildSegmentHeader(tag CompressionTag, sealed bool, plainSize int) []byte {
	header := make([]byte, segmentHeaderSize)
	copy(header, segmentMagic)
	header[4] = segmentVersion
	header[5] = byte(tag)
	if sealed {
		header[6] = segmentFlagSealed
	}
	binary.BigEndian.PutUint32(header[7:], uint32(plainSize))
	return header
}

// deriveArchiveKey derives the segment sealing key from the master
// key material via HKDF-SHA256 with a fixed context string, so the
// same master key can serve other uses without key reuse.
func deriveArchiveKey(master *secret.Buffer) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, master.Bytes(), nil, archiveKeyInfo)
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("ledger: HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// encodeSegmentFile serializes, compresses, and optionally seals a
// segment into the on-disk file format.
func encodeSegmentFile(segment *ArchiveSegment, tag CompressionTag, key *secret.Buffer) ([]byte, error) {
	plain, err := codec.Marshal(segment)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode segment: %w", err)
	}
	if len(plain) > maxSegmentPlainSize {
		return nil, fmt.Errorf("ledger: segment size %d exceeds limit %d", len(plain), maxSegmentPlainSize)
	}

	body, err := compressBody(plain, tag)
	if errors.Is(err, errIncompressible) {
		tag = CompressionNone
		body = plain
	} else if err != nil {
		return nil, fmt.Errorf("ledger: compress segment: %w", err)
	}

	header := buildSegmentHeader(tag, key != nil, len(plain))
	if key == nil {
		return append(header, body...), nil
	}

	sealing, err := deriveArchiveKey(key)
	if err != nil {
		return nil, err
	}
	defer sealing.Close()

	aead, err := chacha20poly1305.NewX(sealing.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger: AEAD initialization failed: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("ledger: nonce generation failed: %w", err)
	}

	output := make([]byte, 0, segmentHeaderSize+len(nonce)+len(body)+aead.Overhead())
	output = append(output, header...)
	output = append(output, nonce[:]...)
	return aead.Seal(output, nonce[:], body, header), nil
}

// decodeSegmentFile parses, unseals, and decompresses a segment
// file. key may be nil for unsealed segments; a sealed segment with
// no key fails outright.
func decodeSegmentFile(raw []byte, key *secret.Buffer) (*ArchiveSegment, error) {
	if len(raw) < segmentHeaderSize {
		return nil, fmt.Errorf("ledger: segment file too short: %d bytes", len(raw))
	}
	header := raw[:segmentHeaderSize]
	if string(header[:4]) != segmentMagic {
		return nil, errors.New("ledger: not a ledger segment file")
	}
	if header[4] != segmentVersion {
		return nil, fmt.Errorf("ledger: unsupported segment version %d", header[4])
	}
	tag := CompressionTag(header[5])
	sealed := header[6]&segmentFlagSealed != 0
	plainSize := int(binary.BigEndian.Uint32(header[7:]))
	if plainSize > maxSegmentPlainSize {
		return nil, fmt.Errorf("ledger: declared segment size %d exceeds limit %d", plainSize, maxSegmentPlainSize)
	}

	body := raw[segmentHeaderSize:]
	if sealed {
		if key == nil {
			return nil, errors.New("ledger: segment is sealed and no key was provided")
		}
		if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return nil, fmt.Errorf("ledger: sealed segment body too short: %d bytes", len(body))
		}
		sealing, err := deriveArchiveKey(key)
		if err != nil {
			return nil, err
		}
		defer sealing.Close()

		aead, err := chacha20poly1305.NewX(sealing.Bytes())
		if err != nil {
			return nil, fmt.Errorf("ledger: AEAD initialization failed: %w", err)
		}
		nonce := body[:chacha20poly1305.NonceSizeX]
		ciphertext := body[chacha20poly1305.NonceSizeX:]
		body, err = aead.Open(nil, nonce, ciphertext, header)
		if err != nil {
			return nil, fmt.Errorf("ledger: segment authentication failed: %w", err)
		}
	}

	plain, err := decompressBody(body, tag, plainSize)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	var segment ArchiveSegment
	if err := codec.Unmarshal(plain, &segment); err != nil {
		return nil, fmt.Errorf("ledger: decode segment: %w", err)
	}
	if segment.FormatVersion != segmentVersion {
		return nil, fmt.Errorf("ledger: segment declares unsupported format %d", segment.FormatVersion)
	}
	return &segment, nil
}
