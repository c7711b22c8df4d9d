// Package verification answers whether a document hash is anchored on the
// ledger and agrees with the operational record.
//
// The ledger is authoritative. A hash the ledger has never seen is not
// verified, whatever the document store says; an anchored hash without an
// operational record is still verified and flagged as missing off-chain.
package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/metrics"
	"github.com/ruteri/credential-registry/qrcode"
)

// Reason explains a negative or qualified verification.
type Reason string

const (
	ReasonNotAnchored  Reason = "not_anchored"
	ReasonDivergence   Reason = "divergence"
	ReasonHashMismatch Reason = "hash_mismatch"
	ReasonTxMismatch   Reason = "tx_mismatch"
	ReasonDeactivated  Reason = "deactivated"
)

// AccessChecker decides whether a party may see a full document record.
type AccessChecker interface {
	CheckAccess(doc *interfaces.Document, party interfaces.Address) bool
}

// VerifyRequest identifies the document to verify. Bytes, when given, are
// re-hashed and compared with Hash; with a zero Hash they determine it.
// Caller is the authenticated party, if any.
type VerifyRequest struct {
	Hash   interfaces.DocumentHash
	Bytes  []byte
	Caller interfaces.Address
}

// LedgerEntry is the public part of the anchored entry.
type LedgerEntry struct {
	Issuer       interfaces.Address `json:"issuer"`
	Owner        interfaces.Address `json:"owner"`
	CID          string             `json:"ipfsHash"`
	DocumentType string             `json:"documentType"`
	Metadata     string             `json:"metadata"`
	Timestamp    time.Time          `json:"timestamp"`
	IsActive     bool               `json:"isActive"`
}

// Verification is the verdict for one hash. Document is only populated when
// the caller may view the record.
type Verification struct {
	DocumentHash      interfaces.DocumentHash `json:"documentHash"`
	Verified          bool                    `json:"verified"`
	OnChain           bool                    `json:"onChain"`
	OffchainMissing   bool                    `json:"offchainMissing"`
	Reason            Reason                  `json:"reason,omitempty"`
	IsActive          bool                    `json:"isActive"`
	Deactivated       bool                    `json:"deactivated"`
	AccessGranted     bool                    `json:"accessGranted"`
	VerificationCount uint64                  `json:"verificationCount"`
	VerifiedAt        time.Time               `json:"verifiedAt"`
	Ledger            *LedgerEntry            `json:"ledger,omitempty"`
	Document          *interfaces.Document    `json:"document,omitempty"`

	record *interfaces.Document
}

type Deps struct {
	Ledger  interfaces.DocumentLedger
	Docs    interfaces.DocumentStore
	Objects interfaces.ObjectStore
	Keys    interfaces.KeyCustody
	Access  AccessChecker
	Metrics *metrics.Metrics
}

type Service struct {
	ledger  interfaces.DocumentLedger
	docs    interfaces.DocumentStore
	objects interfaces.ObjectStore
	keys    interfaces.KeyCustody
	access  AccessChecker
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewService(deps Deps, log *slog.Logger) *Service {
	return &Service{
		ledger:  deps.Ledger,
		docs:    deps.Docs,
		objects: deps.Objects,
		keys:    deps.Keys,
		access:  deps.Access,
		metrics: deps.Metrics,
		log:     log,
		now:     time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Verify checks a hash against the ledger and the operational record.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	v, err := s.verify(ctx, req)
	if err != nil {
		s.metrics.IncVerification(string(interfaces.KindOf(err)))
		return nil, err
	}
	s.metrics.IncVerification(outcome(v))
	return v, nil
}

func outcome(v *Verification) string {
	if v.Verified && v.Reason == "" {
		return "verified"
	}
	return string(v.Reason)
}

func (s *Service) verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	if req.Hash.IsZero() {
		if len(req.Bytes) == 0 {
			return nil, interfaces.NewError(interfaces.KindInvalidHash, "document hash or file is required")
		}
		req.Hash = interfaces.ComputeDocumentHash(req.Bytes)
	}

	var (
		entry  *interfaces.LedgerDocument
		record *interfaces.Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, doc, err := s.ledger.VerifyDocument(gctx, req.Hash)
		if errors.Is(err, interfaces.ErrNotAnchored) {
			return nil
		}
		if err != nil {
			return interfaces.WrapError(err, interfaces.KindLedgerUnavailable, "read ledger entry")
		}
		entry = doc
		return nil
	})
	g.Go(func() error {
		doc, err := s.docs.Get(gctx, req.Hash)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		if err != nil {
			return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "read document record")
		}
		record = doc
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &Verification{DocumentHash: req.Hash, VerifiedAt: s.now().UTC()}

	// (a) the ledger decides whether the hash exists at all
	if entry == nil {
		v.Reason = ReasonNotAnchored
		return v, nil
	}
	v.OnChain = true
	v.Verified = true
	v.IsActive = entry.IsActive
	v.Ledger = &LedgerEntry{
		Issuer:       entry.Issuer,
		Owner:        entry.Owner,
		CID:          entry.CID,
		DocumentType: entry.DocumentType,
		Metadata:     entry.MetadataJSON,
		Timestamp:    entry.Timestamp,
		IsActive:     entry.IsActive,
	}
	if !entry.IsActive {
		v.Deactivated = true
		v.Reason = ReasonDeactivated
	}

	// (b) ledger-only hashes still verify
	if record == nil {
		v.OffchainMissing = true
	} else {
		v.record = record
		v.IsActive = entry.IsActive && record.IsActive
		v.VerificationCount = record.Audit.VerificationCount

		// (c)
		if record.Access.Issuer != entry.Issuer || record.Access.Owner != entry.Owner || record.IPFSCid != entry.CID {
			s.log.Warn("Verification found ledger divergence",
				slog.String("documentHash", req.Hash.String()),
				slog.String("ledgerCid", entry.CID),
				slog.String("recordCid", record.IPFSCid))
			v.Verified = false
			v.Reason = ReasonDivergence
		}

		if req.Caller != interfaces.ZeroAddress && s.access.CheckAccess(record, req.Caller) {
			v.AccessGranted = true
			v.Document = record
		}
	}

	// (d)
	if len(req.Bytes) > 0 {
		computed := interfaces.ComputeDocumentHash(req.Bytes)
		if !cryptoutils.ConstantTimeEqual(computed.Bytes(), req.Hash.Bytes()) {
			v.Verified = false
			v.Reason = ReasonHashMismatch
		}
	}

	// (e)
	if record != nil && v.Verified {
		if err := s.docs.IncrementVerification(ctx, req.Hash, v.VerifiedAt); err != nil {
			s.log.Warn("Failed to record verification", "err", err, slog.String("documentHash", req.Hash.String()))
		} else {
			v.VerificationCount++
		}
	}
	return v, nil
}

// VerifyQR parses a verification link and verifies its hash. A transaction
// in the link that differs from the one that anchored the hash fails
// verification.
func (s *Service) VerifyQR(ctx context.Context, link string, file []byte, caller interfaces.Address) (*Verification, error) {
	hash, tx, err := qrcode.Parse(link)
	if err != nil {
		s.metrics.IncVerification(string(interfaces.KindInvalidQR))
		return nil, err
	}

	v, err := s.verify(ctx, VerifyRequest{Hash: hash, Bytes: file, Caller: caller})
	if err != nil {
		s.metrics.IncVerification(string(interfaces.KindOf(err)))
		return nil, err
	}

	if v.OnChain {
		var anchoredBy interfaces.TxHash
		if v.record != nil && !v.record.Blockchain.TransactionID.IsZero() {
			anchoredBy = v.record.Blockchain.TransactionID
		} else if receipt, err := s.ledger.FindRegistration(ctx, hash); err == nil {
			anchoredBy = receipt.TxHash
		} else {
			s.log.Debug("Registration transaction not found for QR check", "err", err, slog.String("documentHash", hash.String()))
		}
		if !anchoredBy.IsZero() && anchoredBy != tx {
			v.Verified = false
			v.Reason = ReasonTxMismatch
		}
	}
	s.metrics.IncVerification(outcome(v))
	return v, nil
}

// Decrypt returns the plaintext of a document to its owner or issuer. The
// plaintext is re-hashed and must match the document hash.
func (s *Service) Decrypt(ctx context.Context, hash interfaces.DocumentHash, party interfaces.Address) ([]byte, *interfaces.Document, error) {
	doc, err := s.docs.Get(ctx, hash)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil, interfaces.NewError(interfaces.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "read document record")
	}
	if party == interfaces.ZeroAddress ||
		(party != doc.Access.Owner && party != doc.Access.Issuer && party != doc.Audit.CreatedBy) {
		return nil, nil, interfaces.NewError(interfaces.KindForbidden, "only the owner or issuer may download a document")
	}

	key, err := s.keys.OpenKey(ctx, hash, doc.WrappedKey)
	if errors.Is(err, interfaces.ErrKeyDestroyed) {
		return nil, nil, interfaces.NewError(interfaces.KindNotFound, "document content has been erased")
	}
	if err != nil {
		s.log.Error("Failed to open document key", "err", err, slog.String("documentHash", hash.String()))
		return nil, nil, interfaces.WrapError(err, interfaces.KindStorageUnavailable, "open document key")
	}

	ciphertext, err := s.objects.Get(ctx, doc.IPFSCid)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, nil, interfaces.WrapError(err, interfaces.KindNotFound, "document content not found")
	}
	if err != nil {
		return nil, nil, interfaces.WrapError(err, interfaces.KindStorageUnavailable, "fetch ciphertext")
	}

	plaintext, err := cryptoutils.DecryptDocument(key, ciphertext)
	if err != nil {
		s.log.Error("Failed to decrypt document", "err", err, slog.String("documentHash", hash.String()))
		return nil, nil, interfaces.WrapError(err, interfaces.KindInternal, "decrypt document")
	}
	computed := interfaces.ComputeDocumentHash(plaintext)
	if !cryptoutils.ConstantTimeEqual(computed.Bytes(), hash.Bytes()) {
		s.log.Error("Decrypted document does not match its hash", slog.String("documentHash", hash.String()))
		return nil, nil, interfaces.NewError(interfaces.KindInternal, "document integrity check failed")
	}
	return plaintext, doc, nil
}
