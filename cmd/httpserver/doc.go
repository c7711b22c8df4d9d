// Package main (cmd/httpserver) runs the credential registry API.
//
// The server anchors credential hashes on the AccessControl and
// DocumentRegistry contracts reachable through --rpc-addr, stores encrypted
// files in the object store named by --object-store (plus optional --mirror
// stores) and keeps operational records in PostgreSQL. Document keys are held
// in Vault when --vault-addr is set and wrapped under --master-key otherwise.
// Login challenges go to Redis when --redis-url is set.
//
// Every flag can also be set through its CREDREG_ environment variable.
// With --dev-ledger and no database, object store, Vault or Redis the server
// runs entirely in memory, which is meant for local development only.
//
// Next to the API the binary runs three loops: the role syncer that feeds the
// role cache from ledger events, the reconciler for registrations stuck
// between upload and anchoring, and the consent retention sweep.
//
// The server shuts down gracefully on SIGINT/SIGTERM: it reports not ready,
// waits --drain-seconds, stops the listeners and then waits for registrations
// detached from cancelled requests.
//
// Example usage:
//
//	credential-registry --rpc-addr=http://localhost:8545 \
//	    --document-registry=0x... --access-control=0x... \
//	    --signer-key=$SIGNER_KEY --jwt-secret=$JWT_SECRET \
//	    --database-url=postgres://registry@localhost/registry \
//	    --object-store=ipfs://localhost:5001 \
//	    --mirror='s3://credentials/backup?region=eu-west-1' \
//	    --master-key=$MASTER_KEY
package main
