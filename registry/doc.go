// Package registry provides clients for the AccessControl and
// DocumentRegistry contracts that anchor academic credentials on an
// EVM-compatible chain.
//
// Two implementations of interfaces.Ledger are provided:
//
//   - OnchainLedger drives the deployed contracts through their runtime ABI
//     using go-ethereum's bind.BoundContract. Revert strings are extracted
//     from JSON-RPC errors and surfaced as ledger_rejected errors carrying the
//     reason; every other client failure is ledger_unavailable.
//   - MemoryLedger emulates the contract rules and revert strings in memory.
//     It is used by tests and by the development server, and supports fault
//     injection for timeouts and dropped receipts.
//
// # Transaction Operations
//
// All state-modifying operations are signed by a single key. Before calling
// them on an OnchainLedger, call SetTransactOpts:
//
//	ledger := registry.NewOnchainLedger(ethClient, documentsAddr, accessAddr, log)
//	auth, _ := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
//	ledger.SetTransactOpts(auth)
//
//	receipt, err := ledger.RegisterDocument(ctx, interfaces.DocumentAnchor{...})
//
// Gas is estimated before each transaction and the limit is set to 150% of
// the estimate. Read-only operations do not require transaction options.
package registry
