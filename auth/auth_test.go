package auth

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/roles"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) (*Service, *roles.Cache, *MemoryChallengeStore, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Secret = secret

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cache := roles.NewCache()
	store := NewMemoryChallengeStore()
	store.SetClock(func() time.Time { return now })

	svc, err := NewService(cfg, store, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	svc.SetClock(clock)
	return svc, cache, store, &now
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func TestTokenService_IssueValidate(t *testing.T) {
	ts, err := NewTokenService(secret, "credential-registry", time.Hour)
	require.NoError(t, err)

	party := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	token, expires, err := ts.Issue(party, interfaces.RoleIssuer)
	require.NoError(t, err)
	require.False(t, expires.IsZero())

	claims, err := ts.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ISSUER", claims.Role)
	assert.Len(t, claims.ID, 32)

	got, err := claims.Party()
	require.NoError(t, err)
	assert.Equal(t, party, got)

	other, _, err := ts.Issue(party, interfaces.RoleIssuer)
	require.NoError(t, err)
	otherClaims, err := ts.Validate(other)
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, otherClaims.ID)
}

func TestTokenService_Rejects(t *testing.T) {
	ts, err := NewTokenService(secret, "credential-registry", time.Hour)
	require.NoError(t, err)
	party := crypto.PubkeyToAddress(mustKey(t).PublicKey)

	t.Run("short secret", func(t *testing.T) {
		_, err := NewTokenService([]byte("short"), "x", time.Hour)
		require.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ts.Validate("")
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		token, _, err := ts.Issue(party, interfaces.RoleStudent)
		require.NoError(t, err)

		later, err := NewTokenService(secret, "credential-registry", time.Hour)
		require.NoError(t, err)
		later.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
		_, err = later.Validate(token)
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewTokenService([]byte("ffffffffffffffffffffffffffffffff"), "credential-registry", time.Hour)
		require.NoError(t, err)
		token, _, err := other.Issue(party, interfaces.RoleAdmin)
		require.NoError(t, err)
		_, err = ts.Validate(token)
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewTokenService(secret, "someone-else", time.Hour)
		require.NoError(t, err)
		token, _, err := other.Issue(party, interfaces.RoleAdmin)
		require.NoError(t, err)
		_, err = ts.Validate(token)
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   interfaces.AddressString(party),
				Issuer:    "credential-registry",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ts.Validate(signed)
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	svc, cache, _, _ := newTestService(t)

	key := mustKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey)
	cache.Set(address, interfaces.RoleIssuer)

	c, err := svc.Challenge(ctx, address)
	require.NoError(t, err)
	require.Contains(t, c.Message, c.Nonce)
	require.Contains(t, c.Message, interfaces.AddressString(address))

	res, err := svc.Login(ctx, address, sign(t, key, c.Message))
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleIssuer, res.Role)

	party, err := svc.Authenticate(res.Token)
	require.NoError(t, err)
	require.Equal(t, address, party.Address)
	require.True(t, party.Registered)

	// The challenge is single use
	_, err = svc.Login(ctx, address, sign(t, key, c.Message))
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
}

func TestLogin_UnregisteredIsStudent(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	key := mustKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey)
	c, err := svc.Challenge(ctx, address)
	require.NoError(t, err)

	res, err := svc.Login(ctx, address, sign(t, key, c.Message))
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleStudent, res.Role)
}

func TestLogin_Failures(t *testing.T) {
	ctx := context.Background()
	svc, _, store, now := newTestService(t)

	key := mustKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey)

	t.Run("no challenge", func(t *testing.T) {
		_, err := svc.Login(ctx, address, "0x00")
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("signed by another wallet", func(t *testing.T) {
		c, err := svc.Challenge(ctx, address)
		require.NoError(t, err)
		_, err = svc.Login(ctx, address, sign(t, mustKey(t), c.Message))
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))

		// A failed attempt leaves the challenge usable
		_, err = store.Get(ctx, address)
		require.NoError(t, err)
	})

	t.Run("malformed signature", func(t *testing.T) {
		_, err := svc.Challenge(ctx, address)
		require.NoError(t, err)
		_, err = svc.Login(ctx, address, "0x1234")
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("expired challenge", func(t *testing.T) {
		c, err := svc.Challenge(ctx, address)
		require.NoError(t, err)
		*now = now.Add(DefaultConfig().ChallengeTTL + time.Second)
		_, err = svc.Login(ctx, address, sign(t, key, c.Message))
		require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
	})

	t.Run("zero address", func(t *testing.T) {
		_, err := svc.Challenge(ctx, interfaces.ZeroAddress)
		require.Equal(t, interfaces.KindInvalidAddress, interfaces.KindOf(err))
	})
}

func TestMemoryChallengeStore_ConsumeMatchesNonce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChallengeStore()
	address := crypto.PubkeyToAddress(mustKey(t).PublicKey)

	require.NoError(t, store.Put(ctx, &Challenge{Address: address, Nonce: "a"}, time.Minute))
	require.NoError(t, store.Put(ctx, &Challenge{Address: address, Nonce: "b"}, time.Minute))

	ok, err := store.Consume(ctx, address, "a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Consume(ctx, address, "b")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.Get(ctx, address)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestChallengeKey(t *testing.T) {
	address := interfaces.Address{0xAB}
	require.Equal(t, "challenge:0xab00000000000000000000000000000000000000", challengeKey(address))
}

func TestRequireAuth(t *testing.T) {
	svc, cache, _, _ := newTestService(t)
	address := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	cache.Set(address, interfaces.RoleVerifier)

	var seen Party
	handler := svc.RequireAuth(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(interfaces.HTTPStatus(interfaces.KindOf(err)))
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PartyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Role in the token is stale, the cache wins
	token, _, err := svc.Tokens().Issue(address, interfaces.RoleAdmin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, address, seen.Address)
	require.Equal(t, interfaces.RoleVerifier, seen.Role)
}

func TestOptionalAuth(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var authed bool
	handler := svc.OptionalAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, authed = PartyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.False(t, authed)
}
