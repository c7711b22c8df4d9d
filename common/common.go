// Package common holds process-wide values shared by the binaries.
package common

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// PackageName prefixes metric names.
const PackageName = "credential_registry"
