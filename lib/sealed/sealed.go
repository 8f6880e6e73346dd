// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for the bridge's credential
// file. The query-endpoint API key never sits on disk in plaintext: it
// is sealed to the bridge's x25519 keypair (and optionally an operator
// escrow key) and unsealed into locked memory at startup.
//
// Ciphertext is base64-encoded so the sealed bundle can live inside
// the YAML config or a sidecar file without binary-safety concerns.
// Callers pass plaintext []byte in and get base64 strings out, and
// vice versa for decryption.
//
// Private keys and decrypted plaintext travel in *secret.Buffer values
// (mmap-backed, locked against swap, zeroed on close).
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/docket-project/docket/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is a plain string, safe to publish.
// The caller must Close the keypair when done.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... identity in locked memory.
	// Never log it or pass it on a command line.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding age1... recipient string.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new age x25519 keypair with the private
// key already moved into locked memory. The caller must Close the
// returned Keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the private key into locked memory immediately. The interim
	// string returned by the age API is heap-allocated and will be
	// collected; the locked buffer is the durable copy.
	privateKeyBytes := []byte(identity.String())
	privateKey, err := secret.NewFromBytes(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt seals plaintext to one or more age public keys and returns
// base64 ciphertext. At least one recipient is required; for docket
// credential bundles that is the bridge's key, plus the operator's
// escrow key when configured.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt opens base64 ciphertext with the given private key and
// returns the plaintext in a locked buffer. The private key is
// borrowed, not closed. The caller must Close the returned buffer.
func Decrypt(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	// The age API wants a string identity; the heap copy is brief.
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}

	if len(plaintext) == 0 {
		// An encrypted empty payload is legal; hand back a minimal
		// buffer rather than an error.
		buffer, err := secret.New(1)
		if err != nil {
			return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
		}
		return buffer, nil
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age public key string before it is
// accepted into configuration.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates an age private key held in a secret.Buffer.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(privateKey.String()); err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}
