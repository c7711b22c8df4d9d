package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ruteri/credential-registry/interfaces"
)

type contextKey struct{}

// WithParty returns a copy of ctx carrying party.
func WithParty(ctx context.Context, party Party) context.Context {
	return context.WithValue(ctx, contextKey{}, party)
}

// PartyFromContext returns the authenticated party, if any.
func PartyFromContext(ctx context.Context) (Party, bool) {
	p, ok := ctx.Value(contextKey{}).(Party)
	return p, ok
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth rejects requests without a valid bearer token and puts the
// authenticated party in the request context.
func (s *Service) RequireAuth(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				onError(w, r, interfaces.NewError(interfaces.KindUnauthorized, "missing bearer token"))
				return
			}
			party, err := s.Authenticate(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParty(r.Context(), party)))
		})
	}
}

// OptionalAuth attaches the party when a valid bearer token is present and
// otherwise passes the request through anonymously.
func (s *Service) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if party, err := s.Authenticate(token); err == nil {
				r = r.WithContext(WithParty(r.Context(), party))
			}
		}
		next.ServeHTTP(w, r)
	})
}
