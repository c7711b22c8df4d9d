// Package main (cmd/admin) is the operator CLI for a running credential registry.
//
// Administrative commands authenticate with an administrator wallet: the key
// in --admin-key-file signs the server's login challenge, or a previously
// obtained --token is sent as is.
//
// Commands:
//
//	login      - sign in with the wallet key and print the access token
//	assign     - assign a role to a wallet
//	batch      - assign several roles in one transaction (--assign addr=ROLE, repeatable)
//	revoke     - remove the role of a wallet
//	transfer   - hand the contract admin role to another wallet
//	reconcile  - run one reconciliation pass over stuck registrations
//	retention  - run the consent retention sweep
//	health     - print subsystem health
//	verify     - verify a document hash
//	mint-token - sign an access token offline with the server's secret
//
// Example:
//
//	credential-registry-admin assign --admin-key-file=admin.key \
//	    --address=0x2000000000000000000000000000000000000002 --role=ISSUER
package main
