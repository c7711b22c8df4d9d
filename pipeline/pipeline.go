// Package pipeline registers credentials: it admits the request, encrypts the
// file, stores the ciphertext, persists a draft record, anchors the hash on
// the ledger and finalizes the record.
//
// A per-hash lock serializes the duplicate check through finalization. Once
// the ciphertext upload starts the workflow no longer follows the caller's
// context: a cancelled caller gets a cancelled error while the workflow runs
// to a terminal state, and the reconciler picks up anything left in uploaded.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/metrics"
	"github.com/ruteri/credential-registry/qrcode"
)

// Admitter gates registrations by role.
type Admitter interface {
	Admit(party interfaces.Address, min interfaces.Role) error
}

// Deps are the collaborators of a pipeline. Locks, Retry and Events default
// when nil; Metrics may be nil.
type Deps struct {
	Roles   Admitter
	Docs    interfaces.DocumentStore
	Objects interfaces.ObjectStore
	Keys    interfaces.KeyCustody
	Ledger  interfaces.Ledger
	QR      *qrcode.Codec
	Retry   *RetryPolicy
	Locks   *LockTable
	Events  EventSink
	Metrics *metrics.Metrics
}

// RegistrationRequest is a credential file with its declared metadata.
// Party is the requester; Owner is the credential subject.
type RegistrationRequest struct {
	File     []byte
	FileName string
	MIMEType string
	Metadata interfaces.Metadata
	Party    interfaces.Address
	Owner    interfaces.Address
}

// RegistrationResult is returned for an anchored credential.
type RegistrationResult struct {
	DocumentHash  interfaces.DocumentHash `json:"documentHash"`
	TransactionID interfaces.TxHash       `json:"transactionId"`
	BlockNumber   uint64                  `json:"blockNumber"`
	IPFSCid       string                  `json:"ipfsCid"`
	QRCode        *qrcode.QRCode          `json:"qrCode"`
	ExplorerURL   string                  `json:"explorerUrl"`
	Document      *interfaces.Document    `json:"fullDocument"`
}

type Pipeline struct {
	cfg     Config
	roles   Admitter
	docs    interfaces.DocumentStore
	objects interfaces.ObjectStore
	keys    interfaces.KeyCustody
	ledger  interfaces.Ledger
	qr      *qrcode.Codec
	retry   *RetryPolicy
	locks   *LockTable
	events  EventSink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	inFlightStorage atomic.Int64
	inFlightLedger  atomic.Int64

	// detached tracks workflows still running after their caller returned.
	detached sync.WaitGroup
}

func NewPipeline(cfg Config, deps Deps, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		roles:   deps.Roles,
		docs:    deps.Docs,
		objects: deps.Objects,
		keys:    deps.Keys,
		ledger:  deps.Ledger,
		qr:      deps.QR,
		retry:   deps.Retry,
		locks:   deps.Locks,
		events:  deps.Events,
		metrics: deps.Metrics,
		log:     log,
		now:     time.Now,
	}
	if p.retry == nil {
		p.retry = DefaultRetryPolicy()
	}
	if p.locks == nil {
		p.locks = NewLockTable()
	}
	if p.events == nil {
		p.events = NewLogSink(log)
	}
	return p
}

// SetClock replaces the clock used for admission dates and timestamps.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// InFlight returns the current number of object-store and ledger calls.
func (p *Pipeline) InFlight() (storage, ledger int64) {
	return p.inFlightStorage.Load(), p.inFlightLedger.Load()
}

// Wait blocks until every workflow detached from a cancelled caller has finished.
func (p *Pipeline) Wait() {
	p.detached.Wait()
}

// Register runs the registration workflow for req.
func (p *Pipeline) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	res, err := p.register(ctx, req)
	if err != nil {
		p.metrics.IncRegistration(string(interfaces.KindOf(err)))
		return nil, err
	}
	p.metrics.IncRegistration("success")
	return res, nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return interfaces.WrapError(err, interfaces.KindCancelled, "registration cancelled")
	}
	return nil
}

// draft is what the detached stages need from the caller's stages.
type draft struct {
	req        RegistrationRequest
	hash       interfaces.DocumentHash
	key        interfaces.DocumentKey
	ciphertext []byte
	retry      bool
}

type outcome struct {
	res *RegistrationResult
	err error
}

func (p *Pipeline) register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	start := time.Now()
	if err := p.admit(ctx, &req); err != nil {
		return nil, err
	}
	p.metrics.ObserveStage("admission", start)

	start = time.Now()
	hash := interfaces.DocumentHash(cryptoutils.HashDocument(req.File))
	p.metrics.ObserveStage("hash", start)

	unlock := p.locks.Lock(hash)
	release := true
	defer func() {
		if release {
			unlock()
		}
	}()

	start = time.Now()
	retry, err := p.checkDuplicate(ctx, hash)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveStage("duplicate_check", start)

	start = time.Now()
	key, err := cryptoutils.GenerateDocumentKey()
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "generate document key")
	}
	ciphertext, err := cryptoutils.EncryptDocument(key, req.File)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "encrypt document")
	}
	p.metrics.ObserveStage("encrypt", start)

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	d := &draft{req: req, hash: hash, key: key, ciphertext: ciphertext, retry: retry}
	done := make(chan outcome, 1)
	release = false
	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		res, err := p.complete(context.WithoutCancel(ctx), d)
		unlock()
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		p.log.Info("Registration caller cancelled, workflow continues",
			slog.String("documentHash", hash.String()))
		return nil, interfaces.WrapError(ctx.Err(), interfaces.KindCancelled, "registration cancelled, processing continues")
	}
}

// admit is stage 1. It has no side effects.
func (p *Pipeline) admit(ctx context.Context, req *RegistrationRequest) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if err := p.roles.Admit(req.Party, interfaces.RoleIssuer); err != nil {
		return err
	}
	if req.Owner == interfaces.ZeroAddress {
		return interfaces.NewError(interfaces.KindInvalidAddress, "owner address is required")
	}
	if len(req.File) == 0 {
		return interfaces.NewError(interfaces.KindValidation, "file is empty")
	}
	if p.cfg.MaxFileSize > 0 && len(req.File) > p.cfg.MaxFileSize {
		return interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("file exceeds %d bytes", p.cfg.MaxFileSize))
	}
	req.MIMEType = normalizeMIME(req.MIMEType)
	if !AllowedMIMETypes[req.MIMEType] {
		return interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("content type %q is not accepted", req.MIMEType))
	}
	if err := req.Metadata.Validate(p.now()); err != nil {
		return err
	}

	if p.cfg.MaxInFlightStorage > 0 && p.inFlightStorage.Load() >= p.cfg.MaxInFlightStorage {
		return interfaces.NewError(interfaces.KindBusy, "object store is saturated")
	}
	if p.cfg.MaxInFlightLedger > 0 && p.inFlightLedger.Load() >= p.cfg.MaxInFlightLedger {
		return interfaces.NewError(interfaces.KindBusy, "ledger client is saturated")
	}

	if p.cfg.MaxDocumentsPerParty > 0 {
		n, err := p.docs.CountByCreator(ctx, req.Party)
		if err != nil {
			return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "count documents")
		}
		if n >= p.cfg.MaxDocumentsPerParty {
			return interfaces.NewError(interfaces.KindForbidden, "document quota exceeded")
		}
	}
	return nil
}

// checkDuplicate is stage 3. A failed record may be retried; any other record is a duplicate.
func (p *Pipeline) checkDuplicate(ctx context.Context, hash interfaces.DocumentHash) (retry bool, err error) {
	existing, err := p.docs.Get(ctx, hash)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return false, nil
	case err != nil:
		return false, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "duplicate check")
	case existing.Status == interfaces.StatusFailed:
		return true, nil
	}
	return false, interfaces.NewError(interfaces.KindDuplicateDocument, "document already registered")
}

// complete runs stages 6 to 10 under a context detached from the caller.
func (p *Pipeline) complete(ctx context.Context, d *draft) (*RegistrationResult, error) {
	start := time.Now()
	cid, err := p.put(ctx, d.ciphertext)
	if err != nil {
		p.log.Error("Failed to store ciphertext", "err", err, slog.String("documentHash", d.hash.String()))
		return nil, interfaces.WrapError(err, interfaces.KindStorageUnavailable, "store ciphertext")
	}
	p.metrics.ObserveStage("object_store", start)

	start = time.Now()
	doc, err := p.persistDraft(ctx, d, cid)
	if err != nil {
		p.unpin(ctx, cid)
		return nil, err
	}
	p.metrics.ObserveStage("draft", start)

	start = time.Now()
	receipt, err := p.anchor(ctx, doc)
	if err != nil {
		return nil, p.anchorFailed(ctx, doc, err)
	}
	p.metrics.ObserveStage("ledger", start)

	start = time.Now()
	doc, err = p.finalize(ctx, doc.DocumentHash, receipt)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveStage("finalize", start)

	start = time.Now()
	qr, err := p.qr.Generate(doc.DocumentHash, doc.Blockchain.TransactionID)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveStage("qr", start)

	p.events.Publish(ctx, DocumentEvent{
		Type:         EventRegistered,
		DocumentHash: doc.DocumentHash,
		TxHash:       doc.Blockchain.TransactionID,
		CID:          doc.IPFSCid,
		Issuer:       doc.Access.Issuer,
		Owner:        doc.Access.Owner,
		At:           p.now(),
	})
	p.log.Info("Document registered",
		slog.String("documentHash", doc.DocumentHash.String()),
		slog.String("tx", doc.Blockchain.TransactionID.String()),
		slog.String("cid", doc.IPFSCid),
		slog.Uint64("block", doc.Blockchain.BlockNumber))

	return &RegistrationResult{
		DocumentHash:  doc.DocumentHash,
		TransactionID: doc.Blockchain.TransactionID,
		BlockNumber:   doc.Blockchain.BlockNumber,
		IPFSCid:       doc.IPFSCid,
		QRCode:        qr,
		ExplorerURL:   doc.Blockchain.ExplorerURL,
		Document:      doc,
	}, nil
}

// put is stage 6, retried by the retry policy.
func (p *Pipeline) put(ctx context.Context, ciphertext []byte) (string, error) {
	p.metrics.SetInFlight("object_store", p.inFlightStorage.Inc())
	defer func() { p.metrics.SetInFlight("object_store", p.inFlightStorage.Dec()) }()

	return RetryValue(ctx, p.retry, func(ctx context.Context) (string, error) {
		if p.cfg.StorageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.StorageTimeout)
			defer cancel()
		}
		cid, err := p.objects.Put(ctx, ciphertext)
		if err != nil {
			p.log.Warn("Object store put failed", "err", err, slog.String("store", p.objects.Name()))
		}
		return cid, err
	})
}

func (p *Pipeline) unpin(ctx context.Context, cid string) {
	if err := p.objects.Unpin(ctx, cid); err != nil {
		p.log.Warn("Failed to unpin ciphertext", "err", err, slog.String("cid", cid))
	}
}

// persistDraft is stage 7. The sealed key is written with the record.
func (p *Pipeline) persistDraft(ctx context.Context, d *draft, cid string) (*interfaces.Document, error) {
	sealed, err := p.keys.SealKey(ctx, d.hash, d.key)
	if err != nil {
		p.log.Error("Failed to seal document key", "err", err,
			slog.String("documentHash", d.hash.String()), slog.String("custody", p.keys.Name()))
		return nil, interfaces.WrapError(err, interfaces.KindStorageUnavailable, "seal document key")
	}

	now := p.now().UTC()
	doc := &interfaces.Document{
		DocumentHash: d.hash,
		IPFSCid:      cid,
		WrappedKey:   sealed,
		Metadata:     d.req.Metadata,
		Access: interfaces.Access{
			Owner:  d.req.Owner,
			Issuer: p.ledger.Issuer(),
		},
		Audit: interfaces.Audit{
			CreatedAt: now,
			CreatedBy: d.req.Party,
		},
		FileInfo: interfaces.FileInfo{
			OriginalName: d.req.FileName,
			MIMEType:     d.req.MIMEType,
			Size:         int64(len(d.req.File)),
		},
		Status:    interfaces.StatusUploaded,
		IsActive:  true,
		UpdatedAt: now,
	}

	if d.retry {
		err = p.docs.ReplaceFailed(ctx, doc)
	} else {
		err = p.docs.Insert(ctx, doc)
	}
	if errors.Is(err, interfaces.ErrDuplicate) {
		return nil, interfaces.WrapError(err, interfaces.KindDuplicateDocument, "document already registered")
	}
	if err != nil {
		p.log.Error("Failed to persist draft", "err", err, slog.String("documentHash", d.hash.String()))
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "persist draft")
	}
	return doc, nil
}

// ledgerMetadata is the anchored metadata. It carries no personal data.
type ledgerMetadata struct {
	DocumentType    interfaces.CredentialType `json:"documentType"`
	InstitutionName string                    `json:"institutionName"`
	IssueDate       string                    `json:"issueDate"`
	ExpiryDate      string                    `json:"expiryDate,omitempty"`
}

func anchorFor(doc *interfaces.Document) (interfaces.DocumentAnchor, error) {
	meta, err := json.Marshal(ledgerMetadata{
		DocumentType:    doc.Metadata.DocumentType,
		InstitutionName: doc.Metadata.InstitutionName,
		IssueDate:       doc.Metadata.IssueDate,
		ExpiryDate:      doc.Metadata.ExpiryDate,
	})
	if err != nil {
		return interfaces.DocumentAnchor{}, err
	}
	return interfaces.DocumentAnchor{
		Hash:         doc.DocumentHash,
		Owner:        doc.Access.Owner,
		CID:          doc.IPFSCid,
		DocumentType: doc.Metadata.DocumentType,
		MetadataJSON: string(meta),
	}, nil
}

// anchor is stage 8. A revert saying the document exists is resolved by
// adopting the existing entry when it matches the draft.
func (p *Pipeline) anchor(ctx context.Context, doc *interfaces.Document) (*interfaces.Receipt, error) {
	a, err := anchorFor(doc)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "encode ledger metadata")
	}

	p.metrics.SetInFlight("ledger", p.inFlightLedger.Inc())
	defer func() { p.metrics.SetInFlight("ledger", p.inFlightLedger.Dec()) }()

	lctx := ctx
	if p.cfg.LedgerTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, p.cfg.LedgerTimeout)
		defer cancel()
	}

	receipt, err := p.ledger.RegisterDocument(lctx, a)
	if interfaces.ReasonOf(err) == interfaces.RevertDocumentExists {
		return p.adopt(ctx, doc)
	}
	if err != nil {
		return nil, err
	}

	p.metrics.ObserveGas(receipt.GasUsed)
	if receipt.GasEstimate > 0 && receipt.GasUsed*gasHeadroomDen > receipt.GasEstimate*gasHeadroomNum {
		p.log.Warn("Gas used exceeds headroom over estimate",
			slog.String("documentHash", doc.DocumentHash.String()),
			slog.Uint64("gasUsed", receipt.GasUsed),
			slog.Uint64("gasEstimate", receipt.GasEstimate))
	}
	return receipt, nil
}

// gasHeadroomNum/gasHeadroomDen is the accepted ratio of gas used to estimate.
const (
	gasHeadroomNum = 3
	gasHeadroomDen = 2
)

// matchesDraft reports whether a ledger entry was anchored by us for doc.
func matchesDraft(doc *interfaces.Document, entry *interfaces.LedgerDocument) bool {
	return entry.Issuer == doc.Access.Issuer && entry.CID == doc.IPFSCid
}

// adopt treats an existing ledger entry as our own anchor when issuer and CID
// match the draft. An entry anchored by someone else makes the registration
// a duplicate.
func (p *Pipeline) adopt(ctx context.Context, doc *interfaces.Document) (*interfaces.Receipt, error) {
	entry, err := p.ledger.GetDocument(ctx, doc.DocumentHash)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "read existing ledger entry")
	}
	if !matchesDraft(doc, entry) {
		p.log.Warn("Document already anchored by another issuer",
			slog.String("documentHash", doc.DocumentHash.String()),
			slog.String("ledgerIssuer", interfaces.AddressString(entry.Issuer)),
			slog.String("ledgerCid", entry.CID))
		return nil, &interfaces.Error{
			Kind:    interfaces.KindDuplicateDocument,
			Message: "document already exists on the ledger",
			Reason:  interfaces.RevertDocumentExists,
		}
	}
	receipt, err := p.ledger.FindRegistration(ctx, doc.DocumentHash)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "find registration transaction")
	}
	return receipt, nil
}

func (p *Pipeline) diverged(ctx context.Context, doc *interfaces.Document, entry *interfaces.LedgerDocument) error {
	p.log.Error("Ledger entry diverges from local draft",
		slog.String("documentHash", doc.DocumentHash.String()),
		slog.String("draftIssuer", interfaces.AddressString(doc.Access.Issuer)),
		slog.String("ledgerIssuer", interfaces.AddressString(entry.Issuer)),
		slog.String("draftCid", doc.IPFSCid),
		slog.String("ledgerCid", entry.CID))
	p.events.Publish(ctx, DocumentEvent{
		Type:         EventDiverged,
		DocumentHash: doc.DocumentHash,
		CID:          entry.CID,
		Issuer:       entry.Issuer,
		Owner:        entry.Owner,
		Reason:       "ledger entry does not match draft",
		At:           p.now(),
	})
	return interfaces.NewError(interfaces.KindLedgerDiverged, "ledger entry does not match the local record")
}

// anchorFailed applies the stage 8 failure policy. Explicit reverts and
// entries anchored by someone else fail the record and release the
// ciphertext; anything else leaves the record in uploaded for the reconciler.
func (p *Pipeline) anchorFailed(ctx context.Context, doc *interfaces.Document, err error) error {
	switch interfaces.KindOf(err) {
	case interfaces.KindLedgerRejected, interfaces.KindDuplicateDocument:
		p.fail(ctx, doc, interfaces.ReasonOf(err))
		return err
	}
	p.log.Warn("Ledger anchor unconfirmed, left for reconciliation", "err", err,
		slog.String("documentHash", doc.DocumentHash.String()))
	return interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "ledger anchor unconfirmed")
}

// fail moves a draft to failed and releases its ciphertext and key.
func (p *Pipeline) fail(ctx context.Context, doc *interfaces.Document, reason string) {
	if err := p.keys.DestroyKey(ctx, doc.DocumentHash); err != nil {
		p.log.Warn("Failed to destroy document key", "err", err,
			slog.String("documentHash", doc.DocumentHash.String()), slog.String("custody", p.keys.Name()))
	}
	_, err := p.docs.Update(ctx, doc.DocumentHash, func(d *interfaces.Document) error {
		d.Status = interfaces.StatusFailed
		d.FailureNote = reason
		d.WrappedKey = nil
		return nil
	})
	if err != nil {
		p.log.Error("Failed to mark document failed", "err", err, slog.String("documentHash", doc.DocumentHash.String()))
	}
	p.unpin(ctx, doc.IPFSCid)
	p.events.Publish(ctx, DocumentEvent{
		Type:         EventFailed,
		DocumentHash: doc.DocumentHash,
		CID:          doc.IPFSCid,
		Issuer:       doc.Access.Issuer,
		Owner:        doc.Access.Owner,
		Reason:       reason,
		At:           p.now(),
	})
}

// finalize is stage 9. Finalizing an anchored record with the same
// transaction again is a no-op.
func (p *Pipeline) finalize(ctx context.Context, hash interfaces.DocumentHash, receipt *interfaces.Receipt) (*interfaces.Document, error) {
	doc, err := p.docs.Update(ctx, hash, func(d *interfaces.Document) error {
		switch d.Status {
		case interfaces.StatusBlockchainStored:
			if d.Blockchain.TransactionID == receipt.TxHash {
				return nil
			}
			return interfaces.NewError(interfaces.KindLedgerDiverged, "record anchored by another transaction")
		case interfaces.StatusSoftDeleted, interfaces.StatusFailed:
			return interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("record became %s during registration", d.Status))
		}
		d.Blockchain = interfaces.BlockchainInfo{
			TransactionID:   receipt.TxHash,
			BlockNumber:     receipt.BlockNumber,
			GasUsed:         receipt.GasUsed,
			ContractAddress: receipt.ContractAddress,
			ExplorerURL:     p.cfg.ExplorerURL(receipt.TxHash.String()),
		}
		d.Status = interfaces.StatusBlockchainStored
		d.FailureNote = ""
		return nil
	})
	if err != nil {
		if interfaces.HasKind(err, interfaces.KindLedgerDiverged) || interfaces.HasKind(err, interfaces.KindValidation) {
			p.log.Error("Anchored record cannot be finalized", "err", err,
				slog.String("documentHash", hash.String()), slog.String("tx", receipt.TxHash.String()))
			return nil, err
		}
		p.log.Error("Failed to finalize anchored record", "err", err,
			slog.String("documentHash", hash.String()), slog.String("tx", receipt.TxHash.String()))
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "finalize record")
	}
	return doc, nil
}
