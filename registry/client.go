package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ruteri/credential-registry/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// gasHeadroomNum/gasHeadroomDen bound the gas limit of every transaction to
// 150% of its pre-call estimate.
const (
	gasHeadroomNum = 3
	gasHeadroomDen = 2
)

// Backend is what OnchainLedger needs from an Ethereum client. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// OnchainLedger implements interfaces.Ledger for the AccessControl and
// DocumentRegistry contracts deployed on an EVM chain.
//
// All transactions are signed by one key. Estimating and sending are
// serialized so nonces are handed out in order; waiting for the receipt
// happens outside the lock.
type OnchainLedger struct {
	backend       Backend
	documents     *bind.BoundContract
	access        *bind.BoundContract
	documentsAddr common.Address
	accessAddr    common.Address

	txMu sync.Mutex
	auth *bind.TransactOpts

	// startBlock bounds log scans, usually the deployment block.
	startBlock uint64

	log *slog.Logger
}

// NewOnchainLedger creates a client for the DocumentRegistry at documentsAddr
// and the AccessControl contract at accessAddr.
func NewOnchainLedger(backend Backend, documentsAddr, accessAddr common.Address, log *slog.Logger) *OnchainLedger {
	return &OnchainLedger{
		backend:       backend,
		documents:     bind.NewBoundContract(documentsAddr, documentRegistryABI, backend, backend, backend),
		access:        bind.NewBoundContract(accessAddr, accessControlABI, backend, backend, backend),
		documentsAddr: documentsAddr,
		accessAddr:    accessAddr,
		log:           log,
	}
}

// SetTransactOpts sets the transaction options required for functions that modify state.
// This must be called before using any methods that send transactions to the blockchain.
func (c *OnchainLedger) SetTransactOpts(auth *bind.TransactOpts) {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	c.auth = auth
}

// SetStartBlock sets the first block scanned when searching for registration events.
func (c *OnchainLedger) SetStartBlock(n uint64) {
	c.startBlock = n
}

// Issuer returns the address of the signing key.
func (c *OnchainLedger) Issuer() interfaces.Address {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.auth == nil {
		return interfaces.ZeroAddress
	}
	return c.auth.From
}

// Available checks whether the RPC endpoint answers.
func (c *OnchainLedger) Available(ctx context.Context) bool {
	if _, err := c.backend.HeaderByNumber(ctx, nil); err != nil {
		c.log.Debug("Ledger RPC unavailable", "err", err)
		return false
	}
	return true
}

func (c *OnchainLedger) RegisterDocument(ctx context.Context, anchor interfaces.DocumentAnchor) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.documents, documentRegistryABI, c.documentsAddr, "registerDocument",
		[32]byte(anchor.Hash), anchor.Owner, anchor.CID, string(anchor.DocumentType), anchor.MetadataJSON)
}

// GetDocument reads the ledger entry for hash. Returns ErrNotAnchored if the entry has no timestamp.
func (c *OnchainLedger) GetDocument(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.LedgerDocument, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "getDocument", [32]byte(hash)); err != nil {
		if interfaces.ReasonOf(err) == interfaces.RevertDocumentNotFound {
			return nil, interfaces.ErrNotAnchored
		}
		return nil, err
	}

	doc := abi.ConvertType(out[0], new(documentTuple)).(*documentTuple)
	return toLedgerDocument(doc)
}

// VerifyDocument evaluates verifyDocument through eth_call. The read is free
// and does not emit DocumentVerified; the audit trail is kept off-chain.
func (c *OnchainLedger) VerifyDocument(ctx context.Context, hash interfaces.DocumentHash) (bool, *interfaces.LedgerDocument, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "verifyDocument", [32]byte(hash)); err != nil {
		if interfaces.ReasonOf(err) == interfaces.RevertDocumentNotFound {
			return false, nil, interfaces.ErrNotAnchored
		}
		return false, nil, err
	}

	valid := *abi.ConvertType(out[0], new(bool)).(*bool)
	doc, err := toLedgerDocument(abi.ConvertType(out[1], new(documentTuple)).(*documentTuple))
	if err != nil {
		return false, nil, err
	}
	return valid, doc, nil
}

// FindRegistration locates the DocumentRegistered event of hash and returns
// the receipt of the transaction that emitted it.
func (c *OnchainLedger) FindRegistration(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.Receipt, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.startBlock),
		Addresses: []common.Address{c.documentsAddr},
		Topics:    [][]common.Hash{{documentRegistryABI.Events["DocumentRegistered"].ID}, {common.Hash(hash)}},
	})
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "failed to filter registration events")
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		receipt, err := c.backend.TransactionReceipt(ctx, l.TxHash)
		if err != nil {
			return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "failed to fetch registration receipt")
		}
		return &interfaces.Receipt{
			TxHash:          interfaces.TxHash(l.TxHash),
			BlockNumber:     l.BlockNumber,
			GasUsed:         receipt.GasUsed,
			ContractAddress: c.documentsAddr,
		}, nil
	}
	return nil, interfaces.ErrNotAnchored
}

func (c *OnchainLedger) TransferOwnership(ctx context.Context, hash interfaces.DocumentHash, newOwner interfaces.Address) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.documents, documentRegistryABI, c.documentsAddr, "transferOwnership", [32]byte(hash), newOwner)
}

func (c *OnchainLedger) GrantAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.documents, documentRegistryABI, c.documentsAddr, "grantAccess", [32]byte(hash), viewer)
}

func (c *OnchainLedger) RevokeAccess(ctx context.Context, hash interfaces.DocumentHash, viewer interfaces.Address) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.documents, documentRegistryABI, c.documentsAddr, "revokeAccess", [32]byte(hash), viewer)
}

func (c *OnchainLedger) DeactivateDocument(ctx context.Context, hash interfaces.DocumentHash, reason string) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.documents, documentRegistryABI, c.documentsAddr, "deactivateDocument", [32]byte(hash), reason)
}

func (c *OnchainLedger) GetDocumentViewers(ctx context.Context, hash interfaces.DocumentHash) ([]interfaces.Address, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "getDocumentViewers", [32]byte(hash)); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

func (c *OnchainLedger) CheckAccess(ctx context.Context, hash interfaces.DocumentHash, party interfaces.Address) (bool, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "checkAccess", [32]byte(hash), party); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *OnchainLedger) GetUserDocuments(ctx context.Context, party interfaces.Address) ([]interfaces.DocumentHash, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "getUserDocuments", party); err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	hashes := make([]interfaces.DocumentHash, len(raw))
	for i, h := range raw {
		hashes[i] = interfaces.DocumentHash(h)
	}
	return hashes, nil
}

func (c *OnchainLedger) GetTotalDocuments(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "getTotalDocuments"); err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

func (c *OnchainLedger) GetUserDocumentCount(ctx context.Context, party interfaces.Address) (uint64, error) {
	var out []interface{}
	if err := c.call(ctx, c.documents, &out, "getUserDocumentCount", party); err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

func (c *OnchainLedger) AssignRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.access, accessControlABI, c.accessAddr, "assignRole", user, uint8(role))
}

func (c *OnchainLedger) RevokeRole(ctx context.Context, user interfaces.Address) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.access, accessControlABI, c.accessAddr, "revokeAccess", user)
}

func (c *OnchainLedger) BatchAssignRoles(ctx context.Context, users []interfaces.Address, roles []interfaces.Role) (*interfaces.Receipt, error) {
	raw := make([]uint8, len(roles))
	for i, r := range roles {
		raw[i] = uint8(r)
	}
	return c.transact(ctx, c.access, accessControlABI, c.accessAddr, "batchAssignRoles", users, raw)
}

func (c *OnchainLedger) TransferAdminRole(ctx context.Context, newAdmin interfaces.Address) (*interfaces.Receipt, error) {
	return c.transact(ctx, c.access, accessControlABI, c.accessAddr, "transferAdminRole", newAdmin)
}

// GetUserRole returns the role of a registered user. Unregistered users revert with "User not registered".
func (c *OnchainLedger) GetUserRole(ctx context.Context, user interfaces.Address) (interfaces.Role, error) {
	var out []interface{}
	if err := c.call(ctx, c.access, &out, "getUserRole", user); err != nil {
		return 0, err
	}
	return interfaces.Role(*abi.ConvertType(out[0], new(uint8)).(*uint8)), nil
}

func (c *OnchainLedger) HasRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (bool, error) {
	var out []interface{}
	if err := c.call(ctx, c.access, &out, "hasRole", user, uint8(role)); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *OnchainLedger) HasRoleOrHigher(ctx context.Context, user interfaces.Address, min interfaces.Role) (bool, error) {
	var out []interface{}
	if err := c.call(ctx, c.access, &out, "hasRoleOrHigher", user, uint8(min)); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// RoleEvents returns AccessControl role events from fromBlock up to the
// current head, in ledger order, and the block to resume from.
func (c *OnchainLedger) RoleEvents(ctx context.Context, fromBlock uint64) ([]interfaces.RoleEvent, uint64, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fromBlock, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "failed to read chain head")
	}
	latest := head.Number.Uint64()
	if fromBlock > latest {
		return nil, fromBlock, nil
	}

	registered := accessControlABI.Events["UserRegistered"].ID
	assigned := accessControlABI.Events["RoleAssigned"].ID
	revoked := accessControlABI.Events["RoleRevoked"].ID

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{c.accessAddr},
		Topics:    [][]common.Hash{{registered, assigned, revoked}},
	})
	if err != nil {
		return nil, fromBlock, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "failed to filter role events")
	}

	events := make([]interfaces.RoleEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) == 0 || l.Removed {
			continue
		}
		ev := interfaces.RoleEvent{BlockNumber: l.BlockNumber, LogIndex: l.Index}

		switch l.Topics[0] {
		case registered:
			var raw userRegisteredEvent
			if err := c.access.UnpackLog(&raw, "UserRegistered", l); err != nil {
				return nil, fromBlock, fmt.Errorf("failed to unpack UserRegistered: %w", err)
			}
			ev.Type, ev.User, ev.Role = interfaces.RoleEventRegistered, raw.User, interfaces.Role(raw.Role)
		case assigned:
			var raw roleAssignedEvent
			if err := c.access.UnpackLog(&raw, "RoleAssigned", l); err != nil {
				return nil, fromBlock, fmt.Errorf("failed to unpack RoleAssigned: %w", err)
			}
			ev.Type, ev.User, ev.Role, ev.By = interfaces.RoleEventAssigned, raw.User, interfaces.Role(raw.Role), raw.AssignedBy
		case revoked:
			var raw roleRevokedEvent
			if err := c.access.UnpackLog(&raw, "RoleRevoked", l); err != nil {
				return nil, fromBlock, fmt.Errorf("failed to unpack RoleRevoked: %w", err)
			}
			ev.Type, ev.User, ev.PrevRole, ev.By = interfaces.RoleEventRevoked, raw.User, interfaces.Role(raw.PreviousRole), raw.RevokedBy
		default:
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events, latest + 1, nil
}

func (c *OnchainLedger) call(ctx context.Context, contract *bind.BoundContract, out *[]interface{}, method string, params ...interface{}) error {
	opts := &bind.CallOpts{Context: ctx}
	if err := contract.Call(opts, out, method, params...); err != nil {
		return classifyError(method, err)
	}
	return nil
}

func (c *OnchainLedger) transact(ctx context.Context, contract *bind.BoundContract, parsed abi.ABI, to common.Address, method string, params ...interface{}) (*interfaces.Receipt, error) {
	input, err := parsed.Pack(method, params...)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "failed to pack "+method)
	}

	c.txMu.Lock()
	if c.auth == nil {
		c.txMu.Unlock()
		return nil, ErrNoTransactOpts
	}

	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.auth.From, To: &to, Data: input})
	if err != nil {
		c.txMu.Unlock()
		return nil, classifyError(method, err)
	}

	opts := *c.auth
	opts.Context = ctx
	opts.GasLimit = estimate * gasHeadroomNum / gasHeadroomDen

	tx, err := contract.Transact(&opts, method, params...)
	c.txMu.Unlock()
	if err != nil {
		return nil, classifyError(method, err)
	}

	c.log.Info("Ledger transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gasEstimate", estimate),
		slog.Uint64("gasLimit", opts.GasLimit))

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "no receipt for "+method)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, interfaces.RejectedError("transaction reverted", fmt.Errorf("%s reverted in block %d", method, receipt.BlockNumber.Uint64()))
	}

	return &interfaces.Receipt{
		TxHash:          interfaces.TxHash(tx.Hash()),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
		GasEstimate:     estimate,
		GasLimit:        opts.GasLimit,
		ContractAddress: to,
	}, nil
}

func toLedgerDocument(doc *documentTuple) (*interfaces.LedgerDocument, error) {
	if doc.Timestamp == nil || doc.Timestamp.Sign() == 0 {
		return nil, interfaces.ErrNotAnchored
	}
	return &interfaces.LedgerDocument{
		Hash:         interfaces.DocumentHash(doc.DocumentHash),
		Issuer:       doc.Issuer,
		Owner:        doc.Owner,
		CID:          doc.IpfsHash,
		DocumentType: doc.DocumentType,
		MetadataJSON: doc.Metadata,
		Timestamp:    unixTime(doc.Timestamp.Int64()),
		IsActive:     doc.IsActive,
	}, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// dataError matches JSON-RPC errors carrying revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// revertReason extracts the revert string of a failed call or estimate.
func revertReason(err error) (string, bool) {
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decodeErr := hex.DecodeString(strings.TrimPrefix(s, "0x")); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(marker):], ":"))
	if rest == "" {
		return marker, true
	}
	return rest, true
}

// classifyError maps client errors to error kinds: reverts carry their reason,
// anything else is a transient ledger failure.
func classifyError(method string, err error) error {
	if reason, ok := revertReason(err); ok {
		return interfaces.RejectedError(reason, fmt.Errorf("%s: %w", method, err))
	}
	return interfaces.WrapError(err, interfaces.KindLedgerUnavailable, method+" failed")
}
