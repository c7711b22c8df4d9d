// Package roles implements the role and access model: an eventually
// consistent cache of ledger roles, the syncer that feeds it, and the
// administration service that gates role changes before forwarding them to
// the ledger.
//
// The ledger remains the source of truth. Admission here only filters
// requests early; every change is still subject to the contract modifiers.
package roles

import (
	"context"
	"log/slog"

	"github.com/ruteri/credential-registry/interfaces"
)

// Service answers admission and access questions from the cache and forwards
// role administration to the ledger.
type Service struct {
	ledger interfaces.Ledger
	cache  *Cache
	log    *slog.Logger
}

func NewService(ledger interfaces.Ledger, cache *Cache, log *slog.Logger) *Service {
	return &Service{ledger: ledger, cache: cache, log: log}
}

// Cache returns the underlying role cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Role returns the cached role of party and whether it is registered.
func (s *Service) Role(party interfaces.Address) (interfaces.Role, bool) {
	return s.cache.Role(party)
}

// HasRoleOrHigher reports whether party is registered with at least min.
func (s *Service) HasRoleOrHigher(party interfaces.Address, min interfaces.Role) bool {
	role, ok := s.cache.Role(party)
	return ok && role.AtLeast(min)
}

// Admit returns an unauthorized error unless party holds at least min.
func (s *Service) Admit(party interfaces.Address, min interfaces.Role) error {
	role, ok := s.cache.Role(party)
	if !ok {
		return interfaces.NewError(interfaces.KindUnauthorized, "party is not registered")
	}
	if !role.AtLeast(min) {
		return interfaces.NewError(interfaces.KindUnauthorized, "requires role "+min.String()+" or higher")
	}
	return nil
}

// CheckAccess reports whether party may read doc: owner, issuer, explicit
// viewer or any VERIFIER-or-higher party.
func (s *Service) CheckAccess(doc *interfaces.Document, party interfaces.Address) bool {
	if party == interfaces.ZeroAddress {
		return false
	}
	if doc.Access.CanView(party) {
		return true
	}
	return s.HasRoleOrHigher(party, interfaces.RoleVerifier)
}

// CanManage reports whether party may share, transfer or deactivate doc.
func (s *Service) CanManage(doc *interfaces.Document, party interfaces.Address) bool {
	if party == interfaces.ZeroAddress {
		return false
	}
	if doc.Access.Owner == party || doc.Access.Issuer == party || doc.Audit.CreatedBy == party {
		return true
	}
	return s.HasRoleOrHigher(party, interfaces.RoleAdmin)
}

func validTarget(user interfaces.Address, role interfaces.Role) error {
	if user == interfaces.ZeroAddress {
		return interfaces.NewError(interfaces.KindInvalidAddress, "user address is required")
	}
	if !role.Valid() {
		return interfaces.NewError(interfaces.KindValidation, "invalid role")
	}
	return nil
}

// demotesLastAdmin reports whether changing user away from ADMIN would leave no admin.
func (s *Service) demotesLastAdmin(user interfaces.Address) bool {
	role, ok := s.cache.Role(user)
	return ok && role == interfaces.RoleAdmin && s.cache.Admins() <= 1
}

// AssignRole sets the role of user on the ledger.
func (s *Service) AssignRole(ctx context.Context, caller, user interfaces.Address, role interfaces.Role) (*interfaces.Receipt, error) {
	if err := s.Admit(caller, interfaces.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validTarget(user, role); err != nil {
		return nil, err
	}
	if role != interfaces.RoleAdmin && s.demotesLastAdmin(user) {
		return nil, interfaces.NewError(interfaces.KindForbidden, "cannot demote the last admin")
	}

	receipt, err := s.ledger.AssignRole(ctx, user, role)
	if err != nil {
		return nil, err
	}
	s.cache.Set(user, role)
	s.log.Info("Role assigned",
		slog.String("user", interfaces.AddressString(user)),
		slog.String("role", role.String()),
		slog.String("by", interfaces.AddressString(caller)),
		slog.String("tx", receipt.TxHash.String()))
	return receipt, nil
}

// RevokeAccess unregisters user on the ledger.
func (s *Service) RevokeAccess(ctx context.Context, caller, user interfaces.Address) (*interfaces.Receipt, error) {
	if err := s.Admit(caller, interfaces.RoleAdmin); err != nil {
		return nil, err
	}
	if user == interfaces.ZeroAddress {
		return nil, interfaces.NewError(interfaces.KindInvalidAddress, "user address is required")
	}
	if s.demotesLastAdmin(user) {
		return nil, interfaces.NewError(interfaces.KindForbidden, "cannot revoke the last admin")
	}

	receipt, err := s.ledger.RevokeRole(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache.Remove(user)
	s.log.Info("Role revoked",
		slog.String("user", interfaces.AddressString(user)),
		slog.String("by", interfaces.AddressString(caller)),
		slog.String("tx", receipt.TxHash.String()))
	return receipt, nil
}

// BatchAssignRoles assigns roles[i] to users[i] in one ledger transaction.
func (s *Service) BatchAssignRoles(ctx context.Context, caller interfaces.Address, users []interfaces.Address, roles []interfaces.Role) (*interfaces.Receipt, error) {
	if err := s.Admit(caller, interfaces.RoleAdmin); err != nil {
		return nil, err
	}
	if len(users) != len(roles) {
		return nil, interfaces.NewError(interfaces.KindValidation, "users and roles must have the same length")
	}
	if len(users) == 0 {
		return nil, interfaces.NewError(interfaces.KindValidation, "at least one assignment is required")
	}

	admins := s.cache.Admins()
	for i, user := range users {
		if err := validTarget(user, roles[i]); err != nil {
			return nil, err
		}
		if role, ok := s.cache.Role(user); ok && role == interfaces.RoleAdmin && roles[i] != interfaces.RoleAdmin {
			admins--
		}
	}
	if admins < 1 {
		return nil, interfaces.NewError(interfaces.KindForbidden, "cannot demote the last admin")
	}

	receipt, err := s.ledger.BatchAssignRoles(ctx, users, roles)
	if err != nil {
		return nil, err
	}
	for i, user := range users {
		s.cache.Set(user, roles[i])
	}
	s.log.Info("Roles batch assigned",
		slog.Int("count", len(users)),
		slog.String("by", interfaces.AddressString(caller)),
		slog.String("tx", receipt.TxHash.String()))
	return receipt, nil
}

// TransferAdmin promotes newAdmin to ADMIN and demotes the signing key to
// ISSUER in one ledger call. The contract demotes the transaction sender, so
// only the holder of the signing key may initiate the transfer.
func (s *Service) TransferAdmin(ctx context.Context, caller, newAdmin interfaces.Address) (*interfaces.Receipt, error) {
	if err := s.Admit(caller, interfaces.RoleAdmin); err != nil {
		return nil, err
	}
	if newAdmin == interfaces.ZeroAddress {
		return nil, interfaces.NewError(interfaces.KindInvalidAddress, "new admin address is required")
	}
	if newAdmin == caller {
		return nil, interfaces.NewError(interfaces.KindValidation, "cannot transfer admin role to self")
	}
	signer := s.ledger.Issuer()
	if caller != signer {
		return nil, interfaces.NewError(interfaces.KindForbidden, "admin transfer must be initiated by the signing key")
	}

	receipt, err := s.ledger.TransferAdminRole(ctx, newAdmin)
	if err != nil {
		return nil, err
	}
	s.cache.Set(newAdmin, interfaces.RoleAdmin)
	s.cache.Set(signer, interfaces.RoleIssuer)
	s.log.Info("Admin role transferred",
		slog.String("from", interfaces.AddressString(signer)),
		slog.String("to", interfaces.AddressString(newAdmin)),
		slog.String("tx", receipt.TxHash.String()))
	return receipt, nil
}

// Profile returns the cached profile of party.
func (s *Service) Profile(party interfaces.Address) (Profile, bool) {
	return s.cache.Profile(party)
}

// UpdateProfile sets display details of a registered party.
func (s *Service) UpdateProfile(party interfaces.Address, displayName, email string) error {
	if !s.cache.UpdateProfile(party, displayName, email) {
		return interfaces.NewError(interfaces.KindNotFound, "party is not registered")
	}
	return nil
}

// EraseProfile clears the personal details held for party.
func (s *Service) EraseProfile(party interfaces.Address) {
	s.cache.EraseProfile(party)
}
