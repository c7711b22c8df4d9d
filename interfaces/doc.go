// Package interfaces defines core interfaces and types for the credential
// registry, separating interface definitions from implementations.
//
// # Identity Types
//
//   - DocumentHash: 32-byte SHA-256 digest of the plaintext, printed as lowercase 0x hex
//   - TxHash: 32-byte ledger transaction identifier
//   - Address: 20-byte wallet address of a party
//   - Role: STUDENT < VERIFIER < ISSUER < ADMIN
//
// Hash and address parsers accept either hex case; every persistence boundary
// stores lowercase hex.
//
// # Capability Interfaces
//
// Ledger: the DocumentRegistry and AccessControl contracts behind a single signing key.
//
// ObjectStore: content-addressed storage of document ciphertext.
//
// KeyCustody: at-rest custody of per-document keys. Destroying a key is the
// deletion primitive (crypto-shredding): the ledger is immutable and the object
// store cannot forget referenced content.
//
// DocumentStore: the operational record of each document.
//
// # Errors
//
// Every failure that reaches a caller carries a Kind (see errors.go) which maps
// one-to-one to an HTTP status class and a user-safe message.
package interfaces
