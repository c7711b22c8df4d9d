// Package clients provides HTTP clients for the credential registry API.
//
// RegistryClient covers the public endpoints (verification, health) and
// sends a bearer token when one is set. AdminClient logs in with an
// administrator wallet key by signing the server's challenge and drives role
// administration, reconciliation and the retention sweep.
//
// Failed calls return *interfaces.Error carrying the kind reported by the
// server, so callers can branch with interfaces.KindOf.
package clients
