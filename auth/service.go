// Package auth authenticates parties by wallet address. A party proves
// control of an address by signing a one-time challenge and receives an HS256
// bearer token naming the address.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/interfaces"
)

// MinSecretLength is the minimum size of the token signing secret.
const MinSecretLength = 32

type Config struct {
	Secret       []byte
	Issuer       string
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Issuer:       "credential-registry",
		TokenTTL:     24 * time.Hour,
		ChallengeTTL: 5 * time.Minute,
	}
}

// RoleLookup resolves the cached role of a party.
type RoleLookup interface {
	Role(party interfaces.Address) (interfaces.Role, bool)
}

// Party is an authenticated caller. Role is taken from the role cache at
// authentication time; unregistered parties are students.
type Party struct {
	Address    interfaces.Address
	Role       interfaces.Role
	Registered bool
}

// LoginResult is returned by a successful wallet login.
type LoginResult struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Address   interfaces.Address `json:"address"`
	Role      interfaces.Role    `json:"role"`
}

type Service struct {
	cfg        Config
	tokens     *TokenService
	challenges ChallengeStore
	roles      RoleLookup
	log        *slog.Logger
	now        func() time.Time
}

func NewService(cfg Config, challenges ChallengeStore, roles RoleLookup, log *slog.Logger) (*Service, error) {
	tokens, err := NewTokenService(cfg.Secret, cfg.Issuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		tokens:     tokens,
		challenges: challenges,
		roles:      roles,
		log:        log,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source of the service and its token service.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.tokens.SetClock(now)
}

func (s *Service) Tokens() *TokenService {
	return s.tokens
}

func challengeMessage(address interfaces.Address, nonce string, issued time.Time) string {
	return fmt.Sprintf("Sign in to the credential registry\n\nAddress: %s\nNonce: %s\nIssued At: %s",
		interfaces.AddressString(address), nonce, issued.UTC().Format(time.RFC3339))
}

// Challenge creates a login challenge for address, replacing any earlier one.
func (s *Service) Challenge(ctx context.Context, address interfaces.Address) (*Challenge, error) {
	if address == interfaces.ZeroAddress {
		return nil, interfaces.NewError(interfaces.KindInvalidAddress, "wallet address is required")
	}
	nonce, err := cryptoutils.RandomToken(16)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "generate nonce")
	}

	now := s.now()
	c := &Challenge{
		Address:   address,
		Nonce:     nonce,
		Message:   challengeMessage(address, nonce, now),
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.challenges.Put(ctx, c, s.cfg.ChallengeTTL); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "store challenge")
	}
	return c, nil
}

// Login verifies the signature over the outstanding challenge of address,
// consumes the challenge and issues a token with the cached role.
func (s *Service) Login(ctx context.Context, address interfaces.Address, signature string) (*LoginResult, error) {
	if address == interfaces.ZeroAddress {
		return nil, interfaces.NewError(interfaces.KindInvalidAddress, "wallet address is required")
	}

	c, err := s.challenges.Get(ctx, address)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.NewError(interfaces.KindUnauthorized, "no pending challenge")
	}
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "load challenge")
	}

	signer, err := cryptoutils.RecoverWalletAddress(c.Message, signature)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindUnauthorized, "invalid signature")
	}
	if signer != address {
		s.log.Warn("Login signature from a different wallet",
			slog.String("address", interfaces.AddressString(address)),
			slog.String("signer", interfaces.AddressString(signer)))
		return nil, interfaces.NewError(interfaces.KindUnauthorized, "signature does not match address")
	}

	ok, err := s.challenges.Consume(ctx, address, c.Nonce)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "consume challenge")
	}
	if !ok {
		return nil, interfaces.NewError(interfaces.KindUnauthorized, "challenge already used")
	}

	party := s.resolve(address)
	token, expires, err := s.tokens.Issue(address, party.Role)
	if err != nil {
		return nil, err
	}
	s.log.Info("Wallet login",
		slog.String("address", interfaces.AddressString(address)),
		slog.String("role", party.Role.String()))
	return &LoginResult{Token: token, ExpiresAt: expires, Address: address, Role: party.Role}, nil
}

// Authenticate validates a bearer token and resolves the party with its
// current cached role.
func (s *Service) Authenticate(token string) (Party, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return Party{}, err
	}
	address, err := claims.Party()
	if err != nil {
		return Party{}, err
	}
	return s.resolve(address), nil
}

func (s *Service) resolve(address interfaces.Address) Party {
	role, ok := s.roles.Role(address)
	if !ok {
		role = interfaces.RoleStudent
	}
	return Party{Address: address, Role: role, Registered: ok}
}
