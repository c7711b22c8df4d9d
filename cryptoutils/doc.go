// Package cryptoutils provides the cryptographic primitives of the credential
// registry. It composes standard primitives and introduces none of its own.
//
// # Document Encryption
//
// Every credential is encrypted under its own random 256-bit key with AES-GCM
// before it leaves the process. The ciphertext follows this binary format:
//
//	[nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// The document hash is always computed over the plaintext, so the same
// credential hashes identically regardless of the key it was stored under.
//
// # Key Wrapping
//
// Document keys are wrapped before they are persisted:
//
//   - KEK = HKDF-SHA256(master key, salt "credential-registry/key-wrap", info = document hash)
//   - AEAD = XChaCha20-Poly1305, associated data = document hash
//
// A wrapped key only opens for the document it was created for. Destroying the
// wrapped key is the deletion primitive of the system.
//
// # Wallet Signatures
//
// RecoverWalletAddress implements EIP-191 personal_sign recovery for the
// wallet login exchange.
//
// # Redaction
//
// DocumentKey redacts itself under fmt, log/slog and encoding/json. Use Bytes
// to reach the raw material.
//
// # Usage Example
//
//	key, err := cryptoutils.GenerateDocumentKey()
//	if err != nil {
//	    return err
//	}
//
//	ciphertext, err := cryptoutils.EncryptDocument(key, plaintext)
//	if err != nil {
//	    return err
//	}
//
//	wrapped, err := cryptoutils.WrapKey(masterKey, cryptoutils.HashDocument(plaintext), key)
package cryptoutils
