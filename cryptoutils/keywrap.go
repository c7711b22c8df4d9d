package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var keyWrapSalt = []byte("credential-registry/key-wrap")

// ErrUnwrapFailed is returned when a wrapped key fails authentication, either
// because the master key differs or because it was bound to another document.
var ErrUnwrapFailed = errors.New("failed to unwrap document key")

// WrapKey seals a document key under a KEK derived from the master key and the
// document hash. The hash is also authenticated as associated data, so a
// wrapped key cannot be moved to another record.
//
// Format: [nonce (24 bytes)][sealed key][tag (16 bytes)]
func WrapKey(masterKey []byte, documentHash [32]byte, key DocumentKey) ([]byte, error) {
	aead, err := kekAEAD(masterKey, documentHash)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, key[:], documentHash[:]), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(masterKey []byte, documentHash [32]byte, wrapped []byte) (DocumentKey, error) {
	aead, err := kekAEAD(masterKey, documentHash)
	if err != nil {
		return DocumentKey{}, err
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return DocumentKey{}, ErrCiphertextTooShort
	}

	nonce, sealed := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	raw, err := aead.Open(nil, nonce, sealed, documentHash[:])
	if err != nil {
		return DocumentKey{}, ErrUnwrapFailed
	}
	if len(raw) != KeySize {
		return DocumentKey{}, ErrInvalidKey
	}

	var key DocumentKey
	copy(key[:], raw)
	return key, nil
}

func kekAEAD(masterKey []byte, documentHash [32]byte) (cipher.AEAD, error) {
	if len(masterKey) < KeySize {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrInvalidKey, KeySize)
	}

	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, keyWrapSalt, documentHash[:]), kek); err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return aead, nil
}
