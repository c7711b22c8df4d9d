// Package docstore implements interfaces.DocumentStore, the operational
// database of credential records, in memory and on PostgreSQL.
//
// Both stores hold one record per document hash, enforce the status
// lifecycle on update, and stamp UpdatedAt on every write so the reconciler
// can find records stuck in uploaded.
package docstore

import (
	"errors"
	"fmt"

	"github.com/ruteri/credential-registry/interfaces"
)

const (
	// DefaultPageSize applies when a filter carries no limit.
	DefaultPageSize = 20
	// MaxPageSize caps the page size of List.
	MaxPageSize = 100
)

// ErrInvalidTransition is returned by Update when the mutation moves a record
// backwards in its lifecycle or rewrites its identity.
var ErrInvalidTransition = errors.New("invalid document status transition")

func checkUpdate(before, after *interfaces.Document) error {
	if after.DocumentHash != before.DocumentHash {
		return fmt.Errorf("%w: document hash is immutable", ErrInvalidTransition)
	}
	if after.Status != before.Status && !before.Status.CanAdvanceTo(after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	// Anchored records keep their transaction.
	if before.Status == interfaces.StatusBlockchainStored && !before.Blockchain.TransactionID.IsZero() &&
		after.Blockchain.TransactionID != before.Blockchain.TransactionID {
		return fmt.Errorf("%w: anchoring transaction is immutable", ErrInvalidTransition)
	}
	return nil
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}
