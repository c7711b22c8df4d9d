package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// KeySize is the length of a document key in bytes (AES-256).
const KeySize = 32

const gcmNonceSize = 12

const redacted = "[REDACTED]"

var (
	// ErrCiphertextTooShort is returned when ciphertext cannot hold a nonce and tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrInvalidKey is returned when key material has the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid key material")
)

// DocumentKey is a per-document symmetric key. It never renders its bytes
// through fmt, slog or encoding/json.
type DocumentKey [KeySize]byte

// Bytes returns the raw key material.
func (k DocumentKey) Bytes() []byte {
	return k[:]
}

// IsZero reports whether the key is unset.
func (k DocumentKey) IsZero() bool {
	return k == DocumentKey{}
}

func (k DocumentKey) String() string {
	return redacted
}

// Format implements fmt.Formatter so %x, %v and friends all print the redaction marker.
func (k DocumentKey) Format(f fmt.State, verb rune) {
	_, _ = io.WriteString(f, redacted)
}

// LogValue implements slog.LogValuer.
func (k DocumentKey) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (k DocumentKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// GenerateDocumentKey returns a fresh random key.
func GenerateDocumentKey() (DocumentKey, error) {
	var key DocumentKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return DocumentKey{}, fmt.Errorf("failed to generate document key: %w", err)
	}
	return key, nil
}

// ParseKey decodes 32 bytes of hex key material, with or without 0x prefix.
func ParseKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	return b, nil
}

// HashDocument returns the SHA-256 digest of plaintext bytes.
func HashDocument(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// EncryptDocument encrypts plaintext with AES-256-GCM under a fresh random nonce.
//
// Format: [nonce (12 bytes)][ciphertext][tag (16 bytes)]
func EncryptDocument(key DocumentKey, plaintext []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, gcmNonceSize+len(plaintext)+aesGCM.Overhead())
	out = append(out, nonce...)
	return aesGCM.Seal(out, nonce, plaintext, nil), nil
}

// DecryptDocument reverses EncryptDocument. A tag mismatch is an error.
func DecryptDocument(key DocumentKey, ciphertext []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize+aesGCM.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := aesGCM.Open(nil, ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key DocumentKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
