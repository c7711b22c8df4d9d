package registry

import (
	"context"

	"github.com/ruteri/credential-registry/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockLedger mocks the interfaces.Ledger interface
type MockLedger struct {
	mock.Mock
}

func receiptArg(args mock.Arguments) (*interfaces.Receipt, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Receipt), args.Error(1)
}

func (m *MockLedger) Issuer() interfaces.Address {
	return m.Called().Get(0).(interfaces.Address)
}

func (m *MockLedger) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockLedger) RegisterDocument(ctx context.Context, anchor interfaces.DocumentAnchor) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, anchor))
}

func (m *MockLedger) GetDocument(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.LedgerDocument, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.LedgerDocument), args.Error(1)
}

func (m *MockLedger) VerifyDocument(ctx context.Context, hash interfaces.DocumentHash) (bool, *interfaces.LedgerDocument, error) {
	args := m.Called(ctx, hash)
	if args.Get(1) == nil {
		return args.Bool(0), nil, args.Error(2)
	}
	return args.Bool(0), args.Get(1).(*interfaces.LedgerDocument), args.Error(2)
}

func (m *MockLedger) FindRegistration(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, hash))
}

func (m *MockLedger) TransferOwnership(ctx context.Context, hash interfaces.DocumentHash, newOwner interfaces.Address) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, hash, newOwner))
}

func (m *MockLedger) GrantAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, hash, viewer))
}

func (m *MockLedger) RevokeAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, hash, viewer))
}

func (m *MockLedger) DeactivateDocument(ctx context.Context, hash interfaces.DocumentHash, reason string) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, hash, reason))
}

func (m *MockLedger) GetDocumentViewers(ctx context.Context, hash interfaces.DocumentHash) ([]interfaces.Address, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.Address), args.Error(1)
}

func (m *MockLedger) CheckAccess(ctx context.Context, hash interfaces.DocumentHash, party interfaces.Address) (bool, error) {
	args := m.Called(ctx, hash, party)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) GetUserDocuments(ctx context.Context, party interfaces.Address) ([]interfaces.DocumentHash, error) {
	args := m.Called(ctx, party)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.DocumentHash), args.Error(1)
}

func (m *MockLedger) GetTotalDocuments(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockLedger) GetUserDocumentCount(ctx context.Context, party interfaces.Address) (uint64, error) {
	args := m.Called(ctx, party)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockLedger) AssignRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, user, role))
}

func (m *MockLedger) RevokeRole(ctx context.Context, user interfaces.Address) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, user))
}

func (m *MockLedger) BatchAssignRoles(ctx context.Context, users []interfaces.Address, roles []interfaces.Role) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, users, roles))
}

func (m *MockLedger) TransferAdminRole(ctx context.Context, newAdmin interfaces.Address) (*interfaces.Receipt, error) {
	return receiptArg(m.Called(ctx, newAdmin))
}

func (m *MockLedger) GetUserRole(ctx context.Context, user interfaces.Address) (interfaces.Role, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(interfaces.Role), args.Error(1)
}

func (m *MockLedger) HasRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (bool, error) {
	args := m.Called(ctx, user, role)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) HasRoleOrHigher(ctx context.Context, user interfaces.Address, min interfaces.Role) (bool, error) {
	args := m.Called(ctx, user, min)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) RoleEvents(ctx context.Context, fromBlock uint64) ([]interfaces.RoleEvent, uint64, error) {
	args := m.Called(ctx, fromBlock)
	if args.Get(0) == nil {
		return nil, args.Get(1).(uint64), args.Error(2)
	}
	return args.Get(0).([]interfaces.RoleEvent), args.Get(1).(uint64), args.Error(2)
}

var (
	_ interfaces.Ledger = (*MockLedger)(nil)
	_ interfaces.Ledger = (*MemoryLedger)(nil)
	_ interfaces.Ledger = (*OnchainLedger)(nil)
)
