package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ruteri/credential-registry/interfaces"
)

// Claims carry the authenticated wallet address in the subject. Role is
// advisory: admission always re-reads the role cache.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenService(signingKey []byte, issuer string, ttl time.Duration) (*TokenService, error) {
	if len(signingKey) < MinSecretLength {
		return nil, fmt.Errorf("token signing key must be at least %d bytes", MinSecretLength)
	}
	return &TokenService{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source used for issuing and validating tokens.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// TTL returns the lifetime of issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for party carrying role.
func (s *TokenService) Issue(party interfaces.Address, role interfaces.Role) (string, time.Time, error) {
	if party == interfaces.ZeroAddress {
		return "", time.Time{}, interfaces.NewError(interfaces.KindInvalidAddress, "token subject is required")
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, interfaces.WrapError(err, interfaces.KindInternal, "generate token id")
	}

	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   interfaces.AddressString(party),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        hex.EncodeToString(b),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, interfaces.WrapError(err, interfaces.KindInternal, "sign token")
	}
	return signed, expires, nil
}

// Validate checks signature, algorithm, issuer and expiry and returns the claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, interfaces.NewError(interfaces.KindUnauthorized, "missing bearer token")
	}

	claims := new(Claims)
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
		}
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, interfaces.WrapError(err, interfaces.KindUnauthorized, "token expired")
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, interfaces.WrapError(err, interfaces.KindUnauthorized, "invalid token signature")
		}
		return nil, interfaces.WrapError(err, interfaces.KindUnauthorized, "invalid token")
	}
	if !token.Valid {
		return nil, interfaces.NewError(interfaces.KindUnauthorized, "invalid token")
	}
	return claims, nil
}

// Party resolves the subject of valid claims.
func (c *Claims) Party() (interfaces.Address, error) {
	addr, err := interfaces.ParseAddress(c.Subject)
	if err != nil {
		return interfaces.Address{}, interfaces.WrapError(err, interfaces.KindUnauthorized, "invalid token subject")
	}
	return addr, nil
}
