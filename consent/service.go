// Package consent implements the consent and retention engine: the consent
// log, deletion requests confirmed with one-time codes, data exports and the
// retention sweep.
//
// The ledger is immutable, so deletion never touches it. Deleting a party's
// data anonymizes the off-chain records and destroys each document key,
// which leaves the ciphertext in the object store permanently unreadable.
package consent

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/metrics"
	"github.com/ruteri/credential-registry/roles"
)

// Sentinel values written over personal fields by anonymization.
const (
	RedactedValue = "[REDACTED]"
	RedactedEmail = "redacted@anonymized.invalid"
)

// Clock returns the current time.
type Clock func() time.Time

type Config struct {
	// DeletionCodeTTL bounds how long a deletion code stays valid.
	DeletionCodeTTL time.Duration
	// ExportTTL is the lifetime of an export request and its file.
	ExportTTL time.Duration
	// CodeDigits is the length of deletion verification codes.
	CodeDigits int
	// DefaultRetentionDays applies when a consent carries no retention period.
	DefaultRetentionDays int
	// RetentionRequestTTL is how long a request opened by the retention sweep
	// waits for an administrator before the next sweep replaces it.
	RetentionRequestTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeletionCodeTTL:      24 * time.Hour,
		ExportTTL:            7 * 24 * time.Hour,
		CodeDigits:           6,
		DefaultRetentionDays: 0,
		RetentionRequestTTL:  30 * 24 * time.Hour,
	}
}

// ProfileStore is the party profile registry the engine exports and erases.
type ProfileStore interface {
	Profile(party interfaces.Address) (roles.Profile, bool)
	EraseProfile(party interfaces.Address)
}

type Service struct {
	cfg      Config
	store    Store
	docs     interfaces.DocumentStore
	keys     interfaces.KeyCustody
	profiles ProfileStore
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      Clock
	validate *validator.Validate
}

func NewService(cfg Config, store Store, docs interfaces.DocumentStore, keys interfaces.KeyCustody, profiles ProfileStore, m *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		docs:     docs,
		keys:     keys,
		profiles: profiles,
		metrics:  m,
		log:      log,
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now Clock) {
	s.now = now
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// ConsentInput is the payload of RecordConsent.
type ConsentInput struct {
	Party          interfaces.Address `json:"-"`
	Type           Type               `json:"consentType" validate:"required,oneof=data_processing marketing analytics third_party_sharing blockchain_storage"`
	Purpose        string             `json:"purpose" validate:"max=500"`
	DataCategories []string           `json:"dataCategories" validate:"dive,required,max=100"`
	LegalBasis     LegalBasis         `json:"legalBasis" validate:"omitempty,oneof=consent contract legal_obligation vital_interests public_task legitimate_interests"`
	ConsentGiven   bool               `json:"consentGiven"`
	RetentionDays  int                `json:"retentionPeriodDays" validate:"gte=0"`
}

func (s *Service) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return interfaces.WrapError(err, interfaces.KindValidation, fmt.Sprintf("invalid %s (%s)", verrs[0].Field(), verrs[0].Tag()))
	}
	return interfaces.WrapError(err, interfaces.KindValidation, "invalid request")
}

func requireParty(party interfaces.Address) error {
	if party == interfaces.ZeroAddress {
		return interfaces.NewError(interfaces.KindInvalidAddress, "party address is required")
	}
	return nil
}

// RecordConsent appends a consent record and withdraws the previous active
// record of the same (party, type).
func (s *Service) RecordConsent(ctx context.Context, in ConsentInput) (*Record, error) {
	if err := requireParty(in.Party); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, s.validationError(err)
	}
	if in.LegalBasis == "" {
		in.LegalBasis = BasisConsent
	}
	if in.RetentionDays == 0 {
		in.RetentionDays = s.cfg.DefaultRetentionDays
	}

	now := s.clock()
	rec := &Record{
		ID:             uuid.NewString(),
		Party:          in.Party,
		Type:           in.Type,
		Purpose:        in.Purpose,
		DataCategories: in.DataCategories,
		LegalBasis:     in.LegalBasis,
		ConsentGiven:   in.ConsentGiven,
		ConsentDate:    now,
		RetentionDays:  in.RetentionDays,
		Status:         StatusActive,
	}
	if err := s.store.Supersede(ctx, rec, now); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "record consent")
	}

	s.log.Info("Consent recorded",
		slog.String("party", interfaces.AddressString(in.Party)),
		slog.String("type", string(in.Type)),
		slog.Bool("given", in.ConsentGiven))
	return rec, nil
}

// HasConsent reports whether party currently consents to typ.
func (s *Service) HasConsent(ctx context.Context, party interfaces.Address, typ Type) (bool, error) {
	rec, err := s.store.ActiveConsent(ctx, party, typ)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "read consent")
	}
	return rec.ConsentGiven, nil
}

// WithdrawConsent withdraws the active record of (party, typ).
func (s *Service) WithdrawConsent(ctx context.Context, party interfaces.Address, typ Type) (*Record, error) {
	if !typ.Valid() {
		return nil, interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("unknown consent type %q", typ))
	}
	rec, err := s.store.WithdrawActive(ctx, party, typ, s.clock())
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.WrapError(err, interfaces.KindNotFound, "no active consent")
	}
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "withdraw consent")
	}

	s.log.Info("Consent withdrawn",
		slog.String("party", interfaces.AddressString(party)),
		slog.String("type", string(typ)))
	return rec, nil
}

// GetConsentHistory returns every consent record of party, newest first.
func (s *Service) GetConsentHistory(ctx context.Context, party interfaces.Address) ([]*Record, error) {
	recs, err := s.store.ListConsents(ctx, party)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list consents")
	}
	return recs, nil
}

// DeletionInput is the payload of CreateDeletionRequest.
type DeletionInput struct {
	Party          interfaces.Address `json:"-"`
	RequestType    DeletionType       `json:"requestType" validate:"required,oneof=full_deletion anonymization"`
	Reason         string             `json:"reason" validate:"max=500"`
	DataCategories []string           `json:"dataCategories" validate:"dive,required,max=100"`
}

func hashCode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

func newDeletionRequest(in DeletionInput, now time.Time, ttl time.Duration) *DeletionRequest {
	return &DeletionRequest{
		ID:                 uuid.NewString(),
		Party:              in.Party,
		RequestType:        in.RequestType,
		Reason:             in.Reason,
		DataCategories:     in.DataCategories,
		Status:             RequestPending,
		VerificationExpiry: now.Add(ttl),
		CreatedAt:          now,
	}
}

// CreateDeletionRequest opens a deletion request and returns it together with
// its one-time verification code. Only the hash of the code is stored.
func (s *Service) CreateDeletionRequest(ctx context.Context, in DeletionInput) (*DeletionRequest, string, error) {
	if err := requireParty(in.Party); err != nil {
		return nil, "", err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, "", s.validationError(err)
	}

	code, err := cryptoutils.RandomCode(s.cfg.CodeDigits)
	if err != nil {
		return nil, "", interfaces.WrapError(err, interfaces.KindInternal, "generate verification code")
	}
	req := newDeletionRequest(in, s.clock(), s.cfg.DeletionCodeTTL)
	req.CodeHash = hashCode(code)
	if err := s.store.InsertDeletion(ctx, req); err != nil {
		return nil, "", interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "create deletion request")
	}

	s.log.Info("Deletion request created",
		slog.String("id", req.ID),
		slog.String("party", interfaces.AddressString(in.Party)),
		slog.String("type", string(in.RequestType)))
	return req, code, nil
}

// GetDeletionRequest returns a deletion request of party.
func (s *Service) GetDeletionRequest(ctx context.Context, id string, party interfaces.Address) (*DeletionRequest, error) {
	req, err := s.store.GetDeletion(ctx, id)
	if err != nil {
		return nil, storeError(err, "get deletion request")
	}
	if req.Party != party {
		return nil, interfaces.NewError(interfaces.KindNotFound, "deletion request not found")
	}
	return req, nil
}

func storeError(err error, msg string) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.WrapError(err, interfaces.KindNotFound, msg)
	}
	return interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, msg)
}

// ProcessDeletionRequest confirms a deletion request with its code and
// carries it out. A wrong code fails without touching any document. A code
// past its expiry moves the request to expired. The code is consumed on
// first successful use.
//
// Every document owned by the party is anonymized and its key destroyed.
// The ledger entries stay as they are. A full deletion also withdraws every
// consent and erases the party profile.
func (s *Service) ProcessDeletionRequest(ctx context.Context, id, code string, caller interfaces.Address) (*DeletionRequest, error) {
	authorize := func(r *DeletionRequest) error {
		if caller != interfaces.ZeroAddress && r.Party != caller {
			return interfaces.NewError(interfaces.KindNotFound, "deletion request not found")
		}
		return nil
	}
	verify := func(r *DeletionRequest) error {
		if len(r.CodeHash) == 0 || !cryptoutils.ConstantTimeEqual(r.CodeHash, hashCode(code)) {
			return interfaces.NewError(interfaces.KindUnauthorized, "invalid verification code")
		}
		return nil
	}
	return s.processDeletion(ctx, id, authorize, verify)
}

// ProcessRetentionRequest carries out a request opened by the retention
// sweep. Those requests have no verification code; the caller must be
// checked for the admin role before calling.
func (s *Service) ProcessRetentionRequest(ctx context.Context, id string) (*DeletionRequest, error) {
	authorize := func(r *DeletionRequest) error {
		if r.Reason != ReasonRetentionExpired {
			return interfaces.NewError(interfaces.KindValidation, "deletion request requires its verification code")
		}
		return nil
	}
	return s.processDeletion(ctx, id, authorize, nil)
}

func (s *Service) processDeletion(ctx context.Context, id string, authorize, verify func(*DeletionRequest) error) (*DeletionRequest, error) {
	now := s.clock()
	expired := false
	req, err := s.store.UpdateDeletion(ctx, id, func(r *DeletionRequest) error {
		if err := authorize(r); err != nil {
			return err
		}
		if r.Status != RequestPending {
			return interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("deletion request is %s", r.Status))
		}
		if !now.Before(r.VerificationExpiry) {
			r.Status = RequestExpired
			r.CodeHash = nil
			expired = true
			return nil
		}
		if verify != nil {
			if err := verify(r); err != nil {
				return err
			}
		}
		r.CodeHash = nil
		r.Status = RequestInProgress
		return nil
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, storeError(err, "process deletion request")
		}
		s.log.Warn("Deletion request refused", slog.String("id", id), "err", err)
		return nil, err
	}
	if expired {
		s.metrics.IncDeletion(string(RequestExpired))
		s.log.Warn("Deletion request expired", slog.String("id", id))
		return nil, interfaces.NewError(interfaces.KindValidation, "verification code expired")
	}

	log := s.log.With(slog.String("id", id), slog.String("party", interfaces.AddressString(req.Party)))
	results, failed := s.anonymizeDocuments(ctx, req.Party, log)

	switch {
	case req.RequestType == DeletionFull:
		if err := s.withdrawAll(ctx, req.Party, now); err != nil {
			log.Error("Failed to withdraw consents", "err", err)
			failed = true
		}
		if s.profiles != nil {
			s.profiles.EraseProfile(req.Party)
		}
	case req.ConsentType != "":
		// The expired consent goes with the data it covered.
		if _, err := s.store.WithdrawActive(ctx, req.Party, req.ConsentType, now); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			log.Error("Failed to withdraw expired consent", slog.String("type", string(req.ConsentType)), "err", err)
			failed = true
		}
	}

	finished := s.clock()
	status := RequestCompleted
	if failed {
		status = RequestFailed
	}
	req, err = s.store.UpdateDeletion(ctx, id, func(r *DeletionRequest) error {
		r.Status = status
		r.Results = results
		r.CompletionDate = &finished
		return nil
	})
	if err != nil {
		return nil, storeError(err, "complete deletion request")
	}

	s.metrics.IncDeletion(string(status))
	if failed {
		log.Error("Deletion request partially failed", slog.Any("results", results))
		return req, interfaces.NewError(interfaces.KindInternal, "deletion partially failed")
	}
	log.Info("Deletion request completed", slog.Int("documents", len(results)))
	return req, nil
}

func (s *Service) anonymizeDocuments(ctx context.Context, party interfaces.Address, log *slog.Logger) ([]DeletionResult, bool) {
	docs, err := s.docs.ListByOwner(ctx, party)
	if err != nil {
		log.Error("Failed to list documents for deletion", "err", err)
		return nil, true
	}

	results := make([]DeletionResult, 0, len(docs))
	failed := false
	for _, doc := range docs {
		res := DeletionResult{DocumentHash: doc.DocumentHash, Outcome: OutcomeAnonymized}
		switch doc.Status {
		case interfaces.StatusSoftDeleted:
			res.Outcome = OutcomeSkipped
			results = append(results, res)
			continue
		case interfaces.StatusUploaded:
			// Left to its registration; the request fails and can be made again.
			log.Warn("Document registration in progress, not anonymized", slog.String("hash", doc.DocumentHash.String()))
			res.Outcome = OutcomeInFlight
			res.Error = "registration in progress, request deletion again once it completes"
			results = append(results, res)
			failed = true
			continue
		}
		if err := s.anonymize(ctx, doc.DocumentHash); err != nil {
			log.Error("Failed to anonymize document", slog.String("hash", doc.DocumentHash.String()), "err", err)
			res.Outcome = OutcomeFailed
			res.Error = interfaces.UserMessage(interfaces.KindOf(err))
			failed = true
		}
		results = append(results, res)
	}
	return results, failed
}

// anonymize destroys the key and rewrites the record in place. The key goes
// first: a record that fails to update still has no readable ciphertext.
func (s *Service) anonymize(ctx context.Context, hash interfaces.DocumentHash) error {
	if s.keys != nil {
		if err := s.keys.DestroyKey(ctx, hash); err != nil {
			return interfaces.WrapError(err, interfaces.KindStorageUnavailable, "destroy document key")
		}
	}
	_, err := s.docs.Update(ctx, hash, func(d *interfaces.Document) error {
		if d.Status == interfaces.StatusUploaded {
			return interfaces.NewError(interfaces.KindValidation, "document registration in progress")
		}
		Anonymize(d)
		return nil
	})
	return err
}

// Anonymize overwrites the personal fields of d with sentinel values, drops
// its key material and marks it inactive.
func Anonymize(d *interfaces.Document) {
	d.Metadata.StudentName = RedactedValue
	d.Metadata.StudentID = RedactedValue
	d.Metadata.StudentEmail = RedactedEmail
	d.Metadata.Description = ""
	d.Metadata.Grade = ""
	d.Metadata.Course = ""
	d.FileInfo.OriginalName = RedactedValue
	d.WrappedKey = nil
	d.IsActive = false
	d.Status = interfaces.StatusSoftDeleted
}

func (s *Service) withdrawAll(ctx context.Context, party interfaces.Address, at time.Time) error {
	recs, err := s.store.ListConsents(ctx, party)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if !r.Active() {
			continue
		}
		if _, err := s.store.WithdrawActive(ctx, party, r.Type, at); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}
	}
	return nil
}

// RetentionReport summarizes one retention sweep. RequestIDs lists the
// requests it opened, to be carried out with ProcessRetentionRequest.
type RetentionReport struct {
	Checked    int      `json:"checked"`
	Expired    int      `json:"expired"`
	Created    int      `json:"created"`
	Skipped    int      `json:"skipped"`
	RequestIDs []string `json:"requestIds,omitempty"`
}

// CheckRetentionCompliance opens an anonymization request for every active
// consent whose retention period has run out. A party with a live pending
// deletion request gets no second one, so repeated sweeps are idempotent.
// Pending requests past their expiry are moved to expired first and no
// longer block a new request.
func (s *Service) CheckRetentionCompliance(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport
	recs, err := s.store.ListActiveConsents(ctx)
	if err != nil {
		return report, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list consents")
	}

	now := s.clock()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, interfaces.WrapError(err, interfaces.KindCancelled, "retention sweep cancelled")
		}
		report.Checked++
		if !rec.RetentionExpired(now) {
			continue
		}
		report.Expired++

		req := newDeletionRequest(DeletionInput{
			Party:          rec.Party,
			RequestType:    DeletionAnonymization,
			Reason:         ReasonRetentionExpired,
			DataCategories: rec.DataCategories,
		}, now, s.cfg.RetentionRequestTTL)
		req.ConsentType = rec.Type

		created, err := s.store.InsertDeletionUnlessPending(ctx, req, now)
		if err != nil {
			return report, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "create retention deletion request")
		}
		if !created {
			report.Skipped++
			continue
		}
		report.Created++
		report.RequestIDs = append(report.RequestIDs, req.ID)
		s.log.Info("Retention expired, deletion requested",
			slog.String("party", interfaces.AddressString(rec.Party)),
			slog.String("type", string(rec.Type)),
			slog.String("request", req.ID))
	}

	s.metrics.AddRetentionRequests(report.Created)
	return report, nil
}
