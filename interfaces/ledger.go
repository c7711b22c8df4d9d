package interfaces

import (
	"context"
	"time"
)

// Ledger revert reasons surfaced by the DocumentRegistry and AccessControl contracts.
const (
	RevertOnlyIssuerOrAdmin      = "Only issuer or admin allowed"
	RevertDocumentExists         = "Document already exists"
	RevertDocumentNotFound       = "Document does not exist"
	RevertInvalidDocumentHash    = "Invalid document hash"
	RevertInvalidOwner           = "Invalid owner address"
	RevertInvalidCID             = "Invalid IPFS hash"
	RevertInvalidDocumentType    = "Invalid document type"
	RevertInsufficientRole       = "Insufficient role permissions"
	RevertUserNotRegistered      = "User not registered"
	RevertInvalidUserAddress     = "Invalid user address"
	RevertInvalidRole            = "Invalid role"
	RevertCannotRevokeOwner      = "Cannot revoke owner access"
	RevertTransferToSelf         = "Cannot transfer to self"
	RevertNewOwnerNotRegistered  = "New owner must be registered"
	RevertAlreadyOwner           = "Already the owner"
	RevertNotAuthorized          = "Not authorized"
	RevertCannotRevokeOwnerIssue = "Cannot revoke owner or issuer"
	RevertReasonRequired         = "Reason required"
	RevertAlreadyDeactivated     = "Document already deactivated"
	RevertLengthsMismatch        = "Arrays length mismatch"
	RevertEmptyArrays            = "Empty arrays"
	RevertAccessDenied           = "Access denied"
)

// DocumentAnchor is the payload of registerDocument.
type DocumentAnchor struct {
	Hash         DocumentHash
	Owner        Address
	CID          string
	DocumentType CredentialType
	MetadataJSON string
}

// LedgerDocument is the on-chain entry for a document hash.
type LedgerDocument struct {
	Hash         DocumentHash
	Issuer       Address
	Owner        Address
	CID          string
	DocumentType string
	MetadataJSON string
	Timestamp    time.Time
	IsActive     bool
}

// Receipt summarizes a confirmed ledger transaction.
type Receipt struct {
	TxHash          TxHash
	BlockNumber     uint64
	GasUsed         uint64
	GasEstimate     uint64
	GasLimit        uint64
	ContractAddress Address
}

// RoleEventType distinguishes AccessControl events.
type RoleEventType string

const (
	RoleEventRegistered RoleEventType = "UserRegistered"
	RoleEventAssigned   RoleEventType = "RoleAssigned"
	RoleEventRevoked    RoleEventType = "RoleRevoked"
)

// RoleEvent is an AccessControl event in ledger order.
type RoleEvent struct {
	Type        RoleEventType
	User        Address
	Role        Role
	PrevRole    Role
	By          Address
	BlockNumber uint64
	LogIndex    uint
}

// Before orders events by ledger position.
func (e RoleEvent) Before(o RoleEvent) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// DocumentLedger is the DocumentRegistry contract surface.
type DocumentLedger interface {
	// RegisterDocument anchors a document and waits for at least one confirmation.
	RegisterDocument(ctx context.Context, anchor DocumentAnchor) (*Receipt, error)

	// GetDocument reads an entry. Returns ErrNotAnchored when the hash is unknown.
	GetDocument(ctx context.Context, hash DocumentHash) (*LedgerDocument, error)

	// VerifyDocument reads an entry and reports whether it is active.
	VerifyDocument(ctx context.Context, hash DocumentHash) (bool, *LedgerDocument, error)

	// FindRegistration returns the receipt of the transaction that anchored
	// hash. Returns ErrNotAnchored when no registration is found.
	FindRegistration(ctx context.Context, hash DocumentHash) (*Receipt, error)

	TransferOwnership(ctx context.Context, hash DocumentHash, newOwner Address) (*Receipt, error)
	GrantAccess(ctx context.Context, hash DocumentHash, viewer Address) (*Receipt, error)
	RevokeAccess(ctx context.Context, hash DocumentHash, viewer Address) (*Receipt, error)
	DeactivateDocument(ctx context.Context, hash DocumentHash, reason string) (*Receipt, error)

	GetDocumentViewers(ctx context.Context, hash DocumentHash) ([]Address, error)
	CheckAccess(ctx context.Context, hash DocumentHash, party Address) (bool, error)
	GetUserDocuments(ctx context.Context, party Address) ([]DocumentHash, error)
	GetTotalDocuments(ctx context.Context) (uint64, error)
	GetUserDocumentCount(ctx context.Context, party Address) (uint64, error)
}

// AccessControlLedger is the AccessControl contract surface.
type AccessControlLedger interface {
	AssignRole(ctx context.Context, user Address, role Role) (*Receipt, error)
	RevokeRole(ctx context.Context, user Address) (*Receipt, error)
	BatchAssignRoles(ctx context.Context, users []Address, roles []Role) (*Receipt, error)
	TransferAdminRole(ctx context.Context, newAdmin Address) (*Receipt, error)

	// GetUserRole returns the role of a registered user; unregistered users revert.
	GetUserRole(ctx context.Context, user Address) (Role, error)
	HasRole(ctx context.Context, user Address, role Role) (bool, error)
	HasRoleOrHigher(ctx context.Context, user Address, min Role) (bool, error)

	// RoleEvents returns role events at or after fromBlock in ledger order,
	// together with the block to resume from.
	RoleEvents(ctx context.Context, fromBlock uint64) ([]RoleEvent, uint64, error)
}

// Ledger is the full capability set of the public ledger client, signed by
// a single configured issuer key.
type Ledger interface {
	DocumentLedger
	AccessControlLedger

	// Issuer returns the address of the signing key.
	Issuer() Address

	// Available checks whether the ledger RPC answers.
	Available(ctx context.Context) bool
}
