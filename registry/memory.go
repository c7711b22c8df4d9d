package registry

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/credential-registry/interfaces"
)

const (
	memoryBaseGas    = 21000
	memoryGasPerByte = 68
)

type memoryDocument struct {
	doc     interfaces.LedgerDocument
	viewers []interfaces.Address
}

// MemoryLedger is an in-memory implementation of interfaces.Ledger that
// enforces the same rules and revert strings as the deployed contracts. Every
// transaction is sent by a single signer, which is registered as the contract
// owner with the ADMIN role.
//
// Fault injection hooks (FailNext, DelayNext, DropReceiptNext) let tests
// reproduce ledger timeouts and transient RPC failures.
type MemoryLedger struct {
	mutex      sync.RWMutex
	signer     interfaces.Address
	owner      interfaces.Address
	contract   interfaces.Address
	roles      map[interfaces.Address]interfaces.Role
	documents  map[interfaces.DocumentHash]*memoryDocument
	userDocs   map[interfaces.Address][]interfaces.DocumentHash
	events     []interfaces.RoleEvent
	block      uint64
	nonce      uint64
	txCount    int
	now        func() time.Time
	failNext   []error
	delayNext  time.Duration
	dropNext   bool
	down       bool
	lastSubmit map[interfaces.DocumentHash]int
	anchoredBy map[interfaces.DocumentHash]interfaces.Receipt
}

// NewMemoryLedger creates a ledger whose single signer is the contract owner.
func NewMemoryLedger(signer, contract interfaces.Address) *MemoryLedger {
	m := &MemoryLedger{
		signer:     signer,
		owner:      signer,
		contract:   contract,
		roles:      make(map[interfaces.Address]interfaces.Role),
		documents:  make(map[interfaces.DocumentHash]*memoryDocument),
		userDocs:   make(map[interfaces.Address][]interfaces.DocumentHash),
		now:        time.Now,
		lastSubmit: make(map[interfaces.DocumentHash]int),
		anchoredBy: make(map[interfaces.DocumentHash]interfaces.Receipt),
		block:      1,
	}
	m.roles[signer] = interfaces.RoleAdmin
	m.events = append(m.events, interfaces.RoleEvent{
		Type: interfaces.RoleEventRegistered, User: signer, Role: interfaces.RoleAdmin, BlockNumber: 1,
	})
	return m
}

// FailNext makes the next transaction or read fail with err before touching state.
func (m *MemoryLedger) FailNext(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failNext = append(m.failNext, err)
}

// RevertNext makes the next transaction or read revert with reason.
func (m *MemoryLedger) RevertNext(reason string) {
	m.FailNext(interfaces.RejectedError(reason, nil))
}

// DelayNext delays the next transaction by d before it is applied. If the
// caller's context ends first, the transaction is never applied.
func (m *MemoryLedger) DelayNext(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.delayNext = d
}

// DropReceiptNext applies the next transaction but withholds its receipt until
// the caller's context ends, as when a node accepts a transaction and the
// client times out waiting for confirmation.
func (m *MemoryLedger) DropReceiptNext() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropNext = true
}

// SetAvailable toggles RPC availability.
func (m *MemoryLedger) SetAvailable(up bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.down = !up
}

// SetSigner switches the sending key, used to exercise contract modifiers.
func (m *MemoryLedger) SetSigner(signer interfaces.Address) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.signer = signer
}

// TxCount returns the number of applied transactions.
func (m *MemoryLedger) TxCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.txCount
}

// RegisterSubmissions returns how many registerDocument transactions were applied for hash.
func (m *MemoryLedger) RegisterSubmissions(hash interfaces.DocumentHash) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lastSubmit[hash]
}

// SeedDocument writes an entry directly, bypassing modifiers. Used to stage
// divergent ledger state in tests.
func (m *MemoryLedger) SeedDocument(doc interfaces.LedgerDocument) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if doc.Timestamp.IsZero() {
		doc.Timestamp = m.now().UTC()
	}
	m.documents[doc.Hash] = &memoryDocument{doc: doc}
	m.userDocs[doc.Owner] = append(m.userDocs[doc.Owner], doc.Hash)
	m.anchoredBy[doc.Hash] = *m.receiptLocked(32)
}

func (m *MemoryLedger) Issuer() interfaces.Address {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.signer
}

func (m *MemoryLedger) Available(ctx context.Context) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return !m.down
}

// transact runs apply under the write lock with fault injection around it.
// apply returns a revert reason, or "" on success. mined, if given, sees the
// receipt under the same lock even when the receipt is then withheld.
func (m *MemoryLedger) transact(ctx context.Context, calldata int, apply func() string, mined ...func(*interfaces.Receipt)) (*interfaces.Receipt, error) {
	m.mutex.Lock()
	if err := m.injectedLocked(); err != nil {
		m.mutex.Unlock()
		return nil, err
	}
	delay := m.delayNext
	m.delayNext = 0
	drop := m.dropNext
	m.dropNext = false
	m.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, interfaces.WrapError(ctx.Err(), interfaces.KindLedgerUnavailable, "ledger request timed out")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "ledger request timed out")
	}

	m.mutex.Lock()
	if reason := apply(); reason != "" {
		m.mutex.Unlock()
		return nil, interfaces.RejectedError(reason, nil)
	}
	receipt := m.mineLocked(calldata)
	for _, fn := range mined {
		fn(receipt)
	}
	m.mutex.Unlock()

	if drop {
		<-ctx.Done()
		return nil, interfaces.WrapError(ctx.Err(), interfaces.KindLedgerUnavailable, "no receipt before deadline")
	}
	return receipt, nil
}

func (m *MemoryLedger) injectedLocked() error {
	if m.down {
		return interfaces.NewError(interfaces.KindLedgerUnavailable, "ledger RPC unavailable")
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return nil
}

// read runs fn under the read lock unless a fault is pending.
func (m *MemoryLedger) read(ctx context.Context, fn func() error) error {
	m.mutex.Lock()
	err := m.injectedLocked()
	m.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "ledger request timed out")
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return fn()
}

func (m *MemoryLedger) mineLocked(calldata int) *interfaces.Receipt {
	m.txCount++
	return m.receiptLocked(calldata)
}

// receiptLocked advances the chain by one block without counting a transaction.
func (m *MemoryLedger) receiptLocked(calldata int) *interfaces.Receipt {
	m.nonce++
	m.block++

	var seed [28]byte
	copy(seed[:20], m.signer.Bytes())
	binary.BigEndian.PutUint64(seed[20:], m.nonce)

	gas := uint64(memoryBaseGas + memoryGasPerByte*calldata)
	return &interfaces.Receipt{
		TxHash:          interfaces.TxHash(crypto.Keccak256Hash(seed[:])),
		BlockNumber:     m.block,
		GasUsed:         gas,
		GasEstimate:     gas,
		GasLimit:        gas * gasHeadroomNum / gasHeadroomDen,
		ContractAddress: m.contract,
	}
}

func (m *MemoryLedger) registered(user interfaces.Address) bool {
	_, ok := m.roles[user]
	return ok
}

func (m *MemoryLedger) canManageLocked(d *memoryDocument) bool {
	return d.doc.Owner == m.signer || d.doc.Issuer == m.signer || m.roles[m.signer] == interfaces.RoleAdmin
}

func (m *MemoryLedger) canViewLocked(d *memoryDocument, party interfaces.Address) bool {
	if d.doc.Owner == party || d.doc.Issuer == party {
		return true
	}
	for _, v := range d.viewers {
		if v == party {
			return true
		}
	}
	role, ok := m.roles[party]
	return ok && role.AtLeast(interfaces.RoleVerifier)
}

func (m *MemoryLedger) requireAdminLocked() string {
	role, ok := m.roles[m.signer]
	if !ok {
		return interfaces.RevertUserNotRegistered
	}
	if role != interfaces.RoleAdmin {
		return interfaces.RevertInsufficientRole
	}
	return ""
}

func (m *MemoryLedger) setRoleLocked(user interfaces.Address, role interfaces.Role) {
	if !m.registered(user) {
		m.events = append(m.events, interfaces.RoleEvent{
			Type: interfaces.RoleEventRegistered, User: user, Role: role,
			BlockNumber: m.block + 1, LogIndex: uint(len(m.events)),
		})
	}
	m.roles[user] = role
	m.events = append(m.events, interfaces.RoleEvent{
		Type: interfaces.RoleEventAssigned, User: user, Role: role, By: m.signer,
		BlockNumber: m.block + 1, LogIndex: uint(len(m.events)),
	})
}

func (m *MemoryLedger) RegisterDocument(ctx context.Context, anchor interfaces.DocumentAnchor) (*interfaces.Receipt, error) {
	size := 32 + 20 + len(anchor.CID) + len(anchor.DocumentType) + len(anchor.MetadataJSON)
	return m.transact(ctx, size, func() string {
		if role, ok := m.roles[m.signer]; !ok || !role.AtLeast(interfaces.RoleIssuer) {
			return interfaces.RevertOnlyIssuerOrAdmin
		}
		if anchor.Hash.IsZero() {
			return interfaces.RevertInvalidDocumentHash
		}
		if anchor.Owner == interfaces.ZeroAddress {
			return interfaces.RevertInvalidOwner
		}
		if anchor.CID == "" {
			return interfaces.RevertInvalidCID
		}
		if anchor.DocumentType == "" {
			return interfaces.RevertInvalidDocumentType
		}
		if _, exists := m.documents[anchor.Hash]; exists {
			return interfaces.RevertDocumentExists
		}

		m.documents[anchor.Hash] = &memoryDocument{doc: interfaces.LedgerDocument{
			Hash:         anchor.Hash,
			Issuer:       m.signer,
			Owner:        anchor.Owner,
			CID:          anchor.CID,
			DocumentType: string(anchor.DocumentType),
			MetadataJSON: anchor.MetadataJSON,
			Timestamp:    m.now().UTC().Truncate(time.Second),
			IsActive:     true,
		}}
		m.userDocs[anchor.Owner] = append(m.userDocs[anchor.Owner], anchor.Hash)
		m.lastSubmit[anchor.Hash]++
		return ""
	}, func(r *interfaces.Receipt) {
		m.anchoredBy[anchor.Hash] = *r
	})
}

func (m *MemoryLedger) FindRegistration(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.Receipt, error) {
	var out *interfaces.Receipt
	err := m.read(ctx, func() error {
		r, ok := m.anchoredBy[hash]
		if !ok {
			return interfaces.ErrNotAnchored
		}
		out = &r
		return nil
	})
	return out, err
}

func (m *MemoryLedger) GetDocument(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.LedgerDocument, error) {
	var out *interfaces.LedgerDocument
	err := m.read(ctx, func() error {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.ErrNotAnchored
		}
		doc := d.doc
		out = &doc
		return nil
	})
	return out, err
}

func (m *MemoryLedger) VerifyDocument(ctx context.Context, hash interfaces.DocumentHash) (bool, *interfaces.LedgerDocument, error) {
	doc, err := m.GetDocument(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	return doc.IsActive, doc, nil
}

func (m *MemoryLedger) TransferOwnership(ctx context.Context, hash interfaces.DocumentHash, newOwner interfaces.Address) (*interfaces.Receipt, error) {
	return m.transact(ctx, 52, func() string {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RevertDocumentNotFound
		}
		if !m.canManageLocked(d) {
			return interfaces.RevertNotAuthorized
		}
		if newOwner == interfaces.ZeroAddress {
			return interfaces.RevertInvalidOwner
		}
		if !m.registered(newOwner) {
			return interfaces.RevertNewOwnerNotRegistered
		}
		if newOwner == d.doc.Owner {
			return interfaces.RevertAlreadyOwner
		}

		prev := d.doc.Owner
		d.doc.Owner = newOwner
		m.userDocs[prev] = removeHash(m.userDocs[prev], hash)
		m.userDocs[newOwner] = append(m.userDocs[newOwner], hash)
		return ""
	})
}

func (m *MemoryLedger) GrantAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return m.transact(ctx, 52, func() string {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RevertDocumentNotFound
		}
		if !m.canManageLocked(d) {
			return interfaces.RevertNotAuthorized
		}
		if viewer == interfaces.ZeroAddress {
			return interfaces.RevertInvalidUserAddress
		}
		for _, v := range d.viewers {
			if v == viewer {
				return ""
			}
		}
		d.viewers = append(d.viewers, viewer)
		return ""
	})
}

func (m *MemoryLedger) RevokeAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return m.transact(ctx, 52, func() string {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RevertDocumentNotFound
		}
		if !m.canManageLocked(d) {
			return interfaces.RevertNotAuthorized
		}
		if viewer == d.doc.Owner || viewer == d.doc.Issuer {
			return interfaces.RevertCannotRevokeOwnerIssue
		}
		out := d.viewers[:0]
		for _, v := range d.viewers {
			if v != viewer {
				out = append(out, v)
			}
		}
		d.viewers = out
		return ""
	})
}

func (m *MemoryLedger) DeactivateDocument(ctx context.Context, hash interfaces.DocumentHash, reason string) (*interfaces.Receipt, error) {
	return m.transact(ctx, 32+len(reason), func() string {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RevertDocumentNotFound
		}
		if !m.canManageLocked(d) {
			return interfaces.RevertNotAuthorized
		}
		if reason == "" {
			return interfaces.RevertReasonRequired
		}
		if !d.doc.IsActive {
			return interfaces.RevertAlreadyDeactivated
		}
		d.doc.IsActive = false
		return ""
	})
}

func (m *MemoryLedger) GetDocumentViewers(ctx context.Context, hash interfaces.DocumentHash) ([]interfaces.Address, error) {
	var out []interfaces.Address
	err := m.read(ctx, func() error {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RejectedError(interfaces.RevertDocumentNotFound, nil)
		}
		if !m.canViewLocked(d, m.signer) {
			return interfaces.RejectedError(interfaces.RevertAccessDenied, nil)
		}
		out = append([]interfaces.Address(nil), d.viewers...)
		return nil
	})
	return out, err
}

func (m *MemoryLedger) CheckAccess(ctx context.Context, hash interfaces.DocumentHash, party interfaces.Address) (bool, error) {
	var out bool
	err := m.read(ctx, func() error {
		d, ok := m.documents[hash]
		if !ok {
			return interfaces.RejectedError(interfaces.RevertDocumentNotFound, nil)
		}
		out = m.canViewLocked(d, party)
		return nil
	})
	return out, err
}

func (m *MemoryLedger) GetUserDocuments(ctx context.Context, party interfaces.Address) ([]interfaces.DocumentHash, error) {
	var out []interfaces.DocumentHash
	err := m.read(ctx, func() error {
		out = append([]interfaces.DocumentHash(nil), m.userDocs[party]...)
		return nil
	})
	return out, err
}

func (m *MemoryLedger) GetTotalDocuments(ctx context.Context) (uint64, error) {
	var out uint64
	err := m.read(ctx, func() error {
		out = uint64(len(m.documents))
		return nil
	})
	return out, err
}

func (m *MemoryLedger) GetUserDocumentCount(ctx context.Context, party interfaces.Address) (uint64, error) {
	var out uint64
	err := m.read(ctx, func() error {
		out = uint64(len(m.userDocs[party]))
		return nil
	})
	return out, err
}

func (m *MemoryLedger) AssignRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (*interfaces.Receipt, error) {
	return m.transact(ctx, 21, func() string {
		if reason := m.requireAdminLocked(); reason != "" {
			return reason
		}
		if user == interfaces.ZeroAddress {
			return interfaces.RevertInvalidUserAddress
		}
		if !role.Valid() {
			return interfaces.RevertInvalidRole
		}
		m.setRoleLocked(user, role)
		return ""
	})
}

func (m *MemoryLedger) RevokeRole(ctx context.Context, user interfaces.Address) (*interfaces.Receipt, error) {
	return m.transact(ctx, 20, func() string {
		if reason := m.requireAdminLocked(); reason != "" {
			return reason
		}
		if user == m.owner {
			return interfaces.RevertCannotRevokeOwner
		}
		prev, ok := m.roles[user]
		if !ok {
			return interfaces.RevertUserNotRegistered
		}
		delete(m.roles, user)
		m.events = append(m.events, interfaces.RoleEvent{
			Type: interfaces.RoleEventRevoked, User: user, PrevRole: prev, By: m.signer,
			BlockNumber: m.block + 1, LogIndex: uint(len(m.events)),
		})
		return ""
	})
}

func (m *MemoryLedger) BatchAssignRoles(ctx context.Context, users []interfaces.Address, roles []interfaces.Role) (*interfaces.Receipt, error) {
	return m.transact(ctx, 21*len(users), func() string {
		if reason := m.requireAdminLocked(); reason != "" {
			return reason
		}
		if len(users) != len(roles) {
			return interfaces.RevertLengthsMismatch
		}
		if len(users) == 0 {
			return interfaces.RevertEmptyArrays
		}
		for i, user := range users {
			if user == interfaces.ZeroAddress {
				return interfaces.RevertInvalidUserAddress
			}
			if !roles[i].Valid() {
				return interfaces.RevertInvalidRole
			}
		}
		for i, user := range users {
			m.setRoleLocked(user, roles[i])
		}
		return ""
	})
}

func (m *MemoryLedger) TransferAdminRole(ctx context.Context, newAdmin interfaces.Address) (*interfaces.Receipt, error) {
	return m.transact(ctx, 20, func() string {
		if reason := m.requireAdminLocked(); reason != "" {
			return reason
		}
		if newAdmin == interfaces.ZeroAddress {
			return interfaces.RevertInvalidUserAddress
		}
		if newAdmin == m.signer {
			return interfaces.RevertTransferToSelf
		}
		m.setRoleLocked(newAdmin, interfaces.RoleAdmin)
		m.setRoleLocked(m.signer, interfaces.RoleIssuer)
		return ""
	})
}

func (m *MemoryLedger) GetUserRole(ctx context.Context, user interfaces.Address) (interfaces.Role, error) {
	var out interfaces.Role
	err := m.read(ctx, func() error {
		role, ok := m.roles[user]
		if !ok {
			return interfaces.RejectedError(interfaces.RevertUserNotRegistered, nil)
		}
		out = role
		return nil
	})
	return out, err
}

func (m *MemoryLedger) HasRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (bool, error) {
	var out bool
	err := m.read(ctx, func() error {
		r, ok := m.roles[user]
		out = ok && r == role
		return nil
	})
	return out, err
}

func (m *MemoryLedger) HasRoleOrHigher(ctx context.Context, user interfaces.Address, min interfaces.Role) (bool, error) {
	var out bool
	err := m.read(ctx, func() error {
		r, ok := m.roles[user]
		out = ok && r.AtLeast(min)
		return nil
	})
	return out, err
}

// RoleEvents returns role events at or after fromBlock, in ledger order.
func (m *MemoryLedger) RoleEvents(ctx context.Context, fromBlock uint64) ([]interfaces.RoleEvent, uint64, error) {
	var out []interfaces.RoleEvent
	var next uint64
	err := m.read(ctx, func() error {
		for _, ev := range m.events {
			if ev.BlockNumber >= fromBlock {
				out = append(out, ev)
			}
		}
		next = m.block + 1
		return nil
	})
	if err != nil {
		return nil, fromBlock, err
	}
	return out, next, nil
}

func removeHash(hashes []interfaces.DocumentHash, h interfaces.DocumentHash) []interfaces.DocumentHash {
	out := hashes[:0]
	for _, x := range hashes {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}
