package roles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	signer   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	contract = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(typ interfaces.RoleEventType, user interfaces.Address, role interfaces.Role, block uint64, idx uint) interfaces.RoleEvent {
	return interfaces.RoleEvent{Type: typ, User: user, Role: role, BlockNumber: block, LogIndex: idx}
}

func TestCache_AppliesInLedgerOrderPerParty(t *testing.T) {
	c := NewCache()

	n := c.Apply([]interfaces.RoleEvent{
		event(interfaces.RoleEventRegistered, alice, interfaces.RoleStudent, 10, 0),
		event(interfaces.RoleEventAssigned, alice, interfaces.RoleIssuer, 12, 1),
	})
	require.Equal(t, 2, n)
	role, ok := c.Role(alice)
	require.True(t, ok)
	require.Equal(t, interfaces.RoleIssuer, role)

	// Older or replayed events are ignored
	n = c.Apply([]interfaces.RoleEvent{
		event(interfaces.RoleEventAssigned, alice, interfaces.RoleVerifier, 11, 5),
		event(interfaces.RoleEventAssigned, alice, interfaces.RoleIssuer, 12, 1),
	})
	require.Equal(t, 0, n)
	role, _ = c.Role(alice)
	require.Equal(t, interfaces.RoleIssuer, role)

	n = c.Apply([]interfaces.RoleEvent{{Type: interfaces.RoleEventRevoked, User: alice, PrevRole: interfaces.RoleIssuer, BlockNumber: 13}})
	require.Equal(t, 1, n)
	_, ok = c.Role(alice)
	require.False(t, ok)
}

func TestCache_ProfileLifecycle(t *testing.T) {
	c := NewCache()
	require.False(t, c.UpdateProfile(alice, "Alice", "alice@example.edu"))

	c.Set(alice, interfaces.RoleStudent)
	require.True(t, c.UpdateProfile(alice, "Alice", "alice@example.edu"))

	p, ok := c.Profile(alice)
	require.True(t, ok)
	require.Equal(t, "Alice", p.DisplayName)
	require.False(t, p.CreatedAt.IsZero())

	c.EraseProfile(alice)
	p, _ = c.Profile(alice)
	require.Empty(t, p.DisplayName)
	require.Empty(t, p.Email)
	require.Equal(t, interfaces.RoleStudent, p.Role)

	c.Set(bob, interfaces.RoleAdmin)
	require.Equal(t, 1, c.Admins())
	require.Len(t, c.Profiles(), 2)
}

func TestCache_ConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Apply([]interfaces.RoleEvent{event(interfaces.RoleEventAssigned, alice, interfaces.RoleVerifier, uint64(i+1), 0)})
		}(i)
		go func() {
			defer wg.Done()
			c.Role(alice)
		}()
	}
	wg.Wait()

	role, ok := c.Role(alice)
	require.True(t, ok)
	require.Equal(t, interfaces.RoleVerifier, role)
}

func TestSyncer_FollowsLedger(t *testing.T) {
	ctx := context.Background()
	ledger := registry.NewMemoryLedger(signer, contract)
	cache := NewCache()
	syncer := NewSyncer(ledger, cache, 0, discardLogger())

	var applied []int
	syncer.OnApplied(func(n int) { applied = append(applied, n) })

	n, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	role, ok := cache.Role(signer)
	require.True(t, ok)
	require.Equal(t, interfaces.RoleAdmin, role)

	_, err = ledger.AssignRole(ctx, alice, interfaces.RoleIssuer)
	require.NoError(t, err)

	n, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	role, ok = cache.Role(alice)
	require.True(t, ok)
	require.Equal(t, interfaces.RoleIssuer, role)

	n, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, []int{1, 2, 0}, applied)
}

func TestSyncer_KeepsCursorOnError(t *testing.T) {
	ledger := &registry.MockLedger{}
	ledger.On("RoleEvents", mock.Anything, uint64(5)).Return(nil, uint64(5), errors.New("rpc down")).Once()
	ledger.On("RoleEvents", mock.Anything, uint64(5)).Return([]interfaces.RoleEvent{}, uint64(9), nil).Once()

	syncer := NewSyncer(ledger, NewCache(), 5, discardLogger())
	_, err := syncer.SyncOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, uint64(5), syncer.NextBlock())

	_, err = syncer.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), syncer.NextBlock())
	ledger.AssertExpectations(t)
}

func newService(t *testing.T) (*Service, *registry.MemoryLedger) {
	t.Helper()
	ledger := registry.NewMemoryLedger(signer, contract)
	cache := NewCache()
	_, err := NewSyncer(ledger, cache, 0, discardLogger()).SyncOnce(context.Background())
	require.NoError(t, err)
	return NewService(ledger, cache, discardLogger()), ledger
}

func TestService_Admit(t *testing.T) {
	svc, _ := newService(t)

	require.NoError(t, svc.Admit(signer, interfaces.RoleIssuer))
	err := svc.Admit(alice, interfaces.RoleStudent)
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))

	_, err = svc.AssignRole(context.Background(), signer, alice, interfaces.RoleVerifier)
	require.NoError(t, err)
	err = svc.Admit(alice, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	require.NoError(t, svc.Admit(alice, interfaces.RoleVerifier))
}

func TestService_RoleAdministration(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newService(t)

	_, err := svc.AssignRole(ctx, alice, bob, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))

	_, err = svc.AssignRole(ctx, signer, interfaces.ZeroAddress, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindInvalidAddress, interfaces.KindOf(err))

	_, err = svc.AssignRole(ctx, signer, signer, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindForbidden, interfaces.KindOf(err))

	_, err = svc.RevokeAccess(ctx, signer, signer)
	require.Equal(t, interfaces.KindForbidden, interfaces.KindOf(err))

	_, err = svc.BatchAssignRoles(ctx, signer, []interfaces.Address{alice}, nil)
	require.Equal(t, interfaces.KindValidation, interfaces.KindOf(err))
	_, err = svc.BatchAssignRoles(ctx, signer, nil, nil)
	require.Equal(t, interfaces.KindValidation, interfaces.KindOf(err))

	receipt, err := svc.BatchAssignRoles(ctx, signer,
		[]interfaces.Address{alice, bob},
		[]interfaces.Role{interfaces.RoleIssuer, interfaces.RoleStudent})
	require.NoError(t, err)
	require.False(t, receipt.TxHash.IsZero())
	assert.True(t, svc.HasRoleOrHigher(alice, interfaces.RoleIssuer))

	onChain, err := ledger.GetUserRole(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleStudent, onChain)

	_, err = svc.RevokeAccess(ctx, signer, bob)
	require.NoError(t, err)
	_, ok := svc.Role(bob)
	require.False(t, ok)
}

func TestService_LedgerIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newService(t)

	// Cache says admin, the contract disagrees
	svc.Cache().Set(alice, interfaces.RoleAdmin)
	ledger.RevertNext(interfaces.RevertInsufficientRole)

	_, err := svc.AssignRole(ctx, alice, bob, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindLedgerRejected, interfaces.KindOf(err))
	require.Equal(t, interfaces.RevertInsufficientRole, interfaces.ReasonOf(err))
	_, ok := svc.Role(bob)
	require.False(t, ok)
}

func TestService_TransferAdmin(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newService(t)

	_, err := svc.AssignRole(ctx, signer, alice, interfaces.RoleAdmin)
	require.NoError(t, err)

	_, err = svc.TransferAdmin(ctx, signer, signer)
	require.Equal(t, interfaces.KindValidation, interfaces.KindOf(err))

	_, err = svc.TransferAdmin(ctx, alice, bob)
	require.Equal(t, interfaces.KindForbidden, interfaces.KindOf(err))

	_, err = svc.TransferAdmin(ctx, signer, bob)
	require.NoError(t, err)

	role, _ := svc.Role(bob)
	require.Equal(t, interfaces.RoleAdmin, role)
	role, _ = svc.Role(signer)
	require.Equal(t, interfaces.RoleIssuer, role)

	onChain, err := ledger.GetUserRole(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleIssuer, onChain)
}

func TestService_CheckAccess(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.AssignRole(ctx, signer, bob, interfaces.RoleVerifier)
	require.NoError(t, err)

	stranger := common.HexToAddress("0x5000000000000000000000000000000000000005")
	viewer := common.HexToAddress("0x6000000000000000000000000000000000000006")
	doc := &interfaces.Document{Access: interfaces.Access{Owner: alice, Issuer: signer, Viewers: []interfaces.Address{viewer}}}

	assert.True(t, svc.CheckAccess(doc, alice))
	assert.True(t, svc.CheckAccess(doc, signer))
	assert.True(t, svc.CheckAccess(doc, viewer))
	assert.True(t, svc.CheckAccess(doc, bob))
	assert.False(t, svc.CheckAccess(doc, stranger))
	assert.False(t, svc.CheckAccess(doc, interfaces.ZeroAddress))

	assert.True(t, svc.CanManage(doc, alice))
	assert.False(t, svc.CanManage(doc, bob))
	assert.False(t, svc.CanManage(doc, viewer))
}
