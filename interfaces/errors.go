package interfaces

import (
	"context"
	"errors"
	"net/http"
)

// Kind is a machine-readable error category. Every error surfaced to a caller
// carries exactly one kind.
type Kind string

const (
	KindValidation          Kind = "validation_rejected"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindDuplicateDocument   Kind = "duplicate_document"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindLedgerUnavailable   Kind = "ledger_unavailable"
	KindDatabaseUnavailable Kind = "database_unavailable"
	KindLedgerRejected      Kind = "ledger_rejected"
	KindLedgerDiverged      Kind = "ledger_diverged"
	KindInvalidQR           Kind = "invalid_qr"
	KindInvalidHash         Kind = "invalid_hash"
	KindInvalidAddress      Kind = "invalid_address"
	KindCancelled           Kind = "cancelled"
	KindBusy                Kind = "busy"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by stores when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotAnchored is returned by ledgers when no entry exists for a hash.
	ErrNotAnchored = errors.New("document not anchored")
)

// Error wraps a failure with a stable kind. Reason carries the ledger revert
// string for KindLedgerRejected.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind, so errors.Is(err, &Error{Kind: KindBusy}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates an error of the given kind.
func NewError(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError creates an error of the given kind around err.
// An existing kind on err is preserved.
func WrapError(err error, kind Kind, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Message: msg, Reason: existing.Reason, Err: err}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// RejectedError builds a KindLedgerRejected error carrying the revert reason.
func RejectedError(reason string, err error) error {
	return &Error{Kind: KindLedgerRejected, Message: "ledger rejected transaction", Reason: reason, Err: err}
}

// KindOf extracts the kind from err. Context errors map to KindCancelled,
// anything without a kind is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// ReasonOf returns the ledger revert reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status class.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidQR, KindInvalidHash, KindInvalidAddress:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateDocument:
		return http.StatusConflict
	case KindLedgerRejected:
		return http.StatusUnprocessableEntity
	case KindBusy:
		return http.StatusTooManyRequests
	case KindCancelled:
		return 499
	case KindLedgerDiverged:
		return http.StatusBadGateway
	case KindStorageUnavailable, KindLedgerUnavailable, KindDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the caller-safe message for a kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "The request failed validation"
	case KindUnauthorized:
		return "Authentication required or role insufficient"
	case KindForbidden:
		return "You do not have access to this resource"
	case KindDuplicateDocument:
		return "This document has already been registered"
	case KindStorageUnavailable:
		return "Document storage is temporarily unavailable"
	case KindLedgerUnavailable:
		return "The blockchain is temporarily unavailable"
	case KindDatabaseUnavailable:
		return "The database is temporarily unavailable"
	case KindLedgerRejected:
		return "The blockchain rejected the transaction"
	case KindLedgerDiverged:
		return "The blockchain record does not match the local record"
	case KindInvalidQR:
		return "The QR code is not a valid verification link"
	case KindInvalidHash:
		return "The hash is malformed"
	case KindInvalidAddress:
		return "The wallet address is malformed"
	case KindCancelled:
		return "The request was cancelled"
	case KindBusy:
		return "The service is busy, retry shortly"
	case KindNotFound:
		return "The requested record was not found"
	default:
		return "Internal server error"
	}
}
