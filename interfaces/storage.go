package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrContentNotFound is returned when requested content cannot be found in the object store.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an object store is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrKeyDestroyed is returned when a document key has been crypto-shredded.
	ErrKeyDestroyed = errors.New("document key destroyed")
)

// ObjectStore provides content-addressed storage of opaque bytes.
// The returned CID is uniquely determined by the stored bytes.
type ObjectStore interface {
	// Put uploads data, pins it and returns its content identifier.
	Put(ctx context.Context, data []byte) (string, error)

	// Get fetches data by content identifier.
	Get(ctx context.Context, cid string) ([]byte, error)

	// Pin retains content on the store.
	Pin(ctx context.Context, cid string) error

	// Unpin releases content so it may be garbage collected.
	Unpin(ctx context.Context, cid string) error

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string
}

// KeyCustody holds per-document symmetric keys at rest.
//
// SealKey returns the blob persisted in the document record alongside the
// rest of the draft, so the key reaches storage in the same write as the
// record. OpenKey reverses it. DestroyKey is the deletion primitive of the
// system: once the key is gone the ciphertext in the object store is
// cryptographically inaccessible. Callers also clear the sealed blob.
type KeyCustody interface {
	SealKey(ctx context.Context, hash DocumentHash, key DocumentKey) ([]byte, error)
	OpenKey(ctx context.Context, hash DocumentHash, sealed []byte) (DocumentKey, error)
	DestroyKey(ctx context.Context, hash DocumentHash) error
	Name() string
}

// DocumentStore is the operational database of document records.
// Hashes are stored normalized to lowercase hex.
type DocumentStore interface {
	// Insert creates a record. Returns ErrDuplicate if a record with the same hash exists.
	Insert(ctx context.Context, doc *Document) error

	// ReplaceFailed overwrites a record in failed state, used when retrying a registration.
	// Returns ErrDuplicate if the existing record is not failed.
	ReplaceFailed(ctx context.Context, doc *Document) error

	// Get returns a record by hash or ErrNotFound.
	Get(ctx context.Context, hash DocumentHash) (*Document, error)

	// Update applies fn to the record under a row lock and persists the result.
	Update(ctx context.Context, hash DocumentHash, fn func(*Document) error) (*Document, error)

	// List returns a page of records matching filter and the total match count.
	List(ctx context.Context, filter DocumentFilter) ([]*Document, int, error)

	// ListStale returns records in status last updated before olderThan.
	ListStale(ctx context.Context, status DocumentStatus, olderThan time.Time, limit int) ([]*Document, error)

	// ListByOwner returns all records owned by party.
	ListByOwner(ctx context.Context, party Address) ([]*Document, error)

	// CountByCreator returns the number of non-failed records created by party.
	CountByCreator(ctx context.Context, party Address) (int, error)

	// IncrementVerification bumps the audit verification counter.
	IncrementVerification(ctx context.Context, hash DocumentHash, at time.Time) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error
}

// StorageLocation represents a parsed object store URI.
type StorageLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   *url.Userinfo
}

// NewStorageLocation parses a storage URI with validation.
func NewStorageLocation(uri string) (StorageLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "ipfs", "s3", "memory":
	default:
		return StorageLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StorageLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc StorageLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}
