// Package storage provides the object store and key custody backends of the
// credential registry.
//
// # Object Stores
//
// Document ciphertext is content-addressed: the identifier is a CID derived
// from the stored bytes, so identical ciphertext always maps to the same CID.
//
//   - IPFSStore: IPFS node HTTP API, the production primary
//   - S3Store: S3-compatible bucket, usable only as a mirror
//   - MemoryStore: in-process store with fault injection for tests
//   - MirroredStore: primary plus best-effort mirrors
//
// # Storage URI Format
//
// Stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - ipfs://127.0.0.1:5001/?timeout=30s
//   - s3://bucket-name/prefix/?region=us-west-2
//   - memory://dev
//
// Mirroring is off unless mirror URIs are configured. The ledger only ever
// records the CID returned by the primary.
//
// # Key Custody
//
// Per-document keys are kept by a KeyCustody:
//
//   - WrappedKeyCustody: keys wrapped under a master key and persisted in the document record
//   - VaultKeyCustody: keys in a Vault KV v2 mount, the record only keeps a reference
//
// Content in a content-addressed store cannot be forgotten while referenced,
// and the ledger cannot forget at all. Destroying the key is therefore the
// deletion operation: the ciphertext remains but becomes unreadable.
//
// # Error Handling
//
//   - ErrContentNotFound: content doesn't exist in the store
//   - ErrBackendUnavailable: store is not accessible
//   - ErrInvalidLocationURI: malformed or unsupported storage URI
//   - ErrKeyDestroyed: the document key has been crypto-shredded
package storage
