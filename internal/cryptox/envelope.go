// Package cryptox implements the field-level encryption layer: the
// self-describing ciphertext envelope, opaque clinic key handles, and the
// keyring that resolves and caches them.
//
// The envelope wire format is "encv1:" + base64(12-byte IV || ciphertext).
// This package is the only one allowed to produce or consume the prefix;
// every other component treats protected fields as opaque strings.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cconner2023/medsync/internal/common"
)

// EnvelopePrefix marks a field value as scheme-version-1 ciphertext.
const EnvelopePrefix = "encv1:"

const nonceSize = 12

// KeyLen is the required clinic key length (AES-256).
const KeyLen = 32

// KeyHandle is an opaque, non-exportable handle to an imported clinic key.
// It holds only the initialized AEAD; the raw key bytes are wiped during
// import and cannot be read back out.
type KeyHandle struct {
	aead cipher.AEAD
}

// ImportKey turns raw key material into a KeyHandle and wipes the input
// buffer. Callers must not use raw after the call.
func ImportKey(raw []byte) (*KeyHandle, error) {
	if len(raw) != KeyLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", common.ErrInvalidKey, KeyLen, len(raw))
	}
	block, err := aes.NewCipher(raw)
	wipe(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &KeyHandle{aead: aead}, nil
}

// ImportKeyBase64 decodes and imports a base64-encoded clinic key, the form
// keys travel and are cached in.
func ImportKeyBase64(encoded string) (*KeyHandle, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidKey, err)
	}
	return ImportKey(raw)
}

// GenerateKey produces fresh clinic key material: 32 random bytes,
// base64-encoded. Generated once per clinic and stored centrally.
func GenerateKey() (string, error) {
	raw := make([]byte, KeyLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsEncrypted reports whether a field value carries the envelope prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, EnvelopePrefix)
}

// EncryptField seals plaintext under the handle with a fresh random 12-byte
// IV. Empty values and values already carrying the envelope prefix are
// returned unchanged, which makes re-encrypting server-returned ciphertext
// a no-op.
func (h *KeyHandle) EncryptField(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := h.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// DecryptField opens an enveloped value. Values without the prefix pass
// through unchanged (legacy plaintext records).
func (h *KeyHandle) DecryptField(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrCiphertext, err)
	}
	if len(blob) <= nonceSize {
		return "", fmt.Errorf("%w: too short", common.ErrCiphertext)
	}

	plaintext, err := h.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrCiphertext, err)
	}
	return string(plaintext), nil
}
