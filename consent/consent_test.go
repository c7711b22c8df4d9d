package consent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ruteri/credential-registry/docstore"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/registry"
	"github.com/ruteri/credential-registry/roles"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)

	_ ProfileStore = (*roles.Service)(nil)
)

var (
	alice  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	issuer = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

type failingCustody struct {
	fail map[interfaces.DocumentHash]bool
}

func (f *failingCustody) SealKey(context.Context, interfaces.DocumentHash, interfaces.DocumentKey) ([]byte, error) {
	return []byte("sealed"), nil
}

func (f *failingCustody) OpenKey(context.Context, interfaces.DocumentHash, []byte) (interfaces.DocumentKey, error) {
	return interfaces.DocumentKey{}, interfaces.ErrKeyDestroyed
}

func (f *failingCustody) DestroyKey(_ context.Context, hash interfaces.DocumentHash) error {
	if f.fail[hash] {
		return errors.New("vault unreachable")
	}
	return nil
}

func (f *failingCustody) Name() string { return "failing" }

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *MemoryStore
	docs    *docstore.MemoryStore
	keys    *failingCustody
	cache   *roles.Cache
	profile *roles.Service
	svc     *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = NewMemoryStore()
	s.docs = docstore.NewMemoryStore()
	s.docs.SetClock(clock)
	s.keys = &failingCustody{fail: map[interfaces.DocumentHash]bool{}}
	s.cache = roles.NewCache()
	s.cache.SetClock(clock)
	s.profile = roles.NewService(registry.NewMemoryLedger(issuer, issuer), s.cache, log)

	s.svc = NewService(DefaultConfig(), s.store, s.docs, s.keys, s.profile, nil, log)
	s.svc.SetClock(clock)
}

func (s *ServiceSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *ServiceSuite) record(typ Type, retentionDays int) *Record {
	rec, err := s.svc.RecordConsent(s.ctx, ConsentInput{
		Party:          alice,
		Type:           typ,
		Purpose:        "credential issuance",
		DataCategories: []string{"identity", "academic"},
		ConsentGiven:   true,
		RetentionDays:  retentionDays,
	})
	s.Require().NoError(err)
	return rec
}

func (s *ServiceSuite) insertDocument(content string, owner interfaces.Address) *interfaces.Document {
	doc := &interfaces.Document{
		DocumentHash: interfaces.ComputeDocumentHash([]byte(content)),
		IPFSCid:      "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		WrappedKey:   []byte("sealed"),
		Metadata: interfaces.Metadata{
			StudentName:     "Alice Li",
			StudentID:       "STU-001",
			StudentEmail:    "alice@example.edu",
			InstitutionName: "Example University",
			DocumentType:    interfaces.CredentialDegree,
			IssueDate:       "2024-06-15",
			Grade:           "A",
			Course:          "Physics",
			Description:     "Bachelor of Science",
		},
		Access:   interfaces.Access{Owner: owner, Issuer: issuer},
		Audit:    interfaces.Audit{CreatedAt: s.now, CreatedBy: issuer},
		FileInfo: interfaces.FileInfo{OriginalName: "alice-li-degree.pdf", MIMEType: "application/pdf", Size: 1024},
		Status:   interfaces.StatusBlockchainStored,
		IsActive: true,
	}
	doc.Blockchain.TransactionID = interfaces.TxHash(interfaces.ComputeDocumentHash([]byte("tx-" + content)))
	s.Require().NoError(s.docs.Insert(s.ctx, doc))
	return doc
}

func (s *ServiceSuite) TestRecordSupersedesActiveConsent() {
	first := s.record(TypeDataProcessing, 30)
	s.advance(time.Hour)
	second := s.record(TypeDataProcessing, 60)
	s.record(TypeMarketing, 0)

	history, err := s.svc.GetConsentHistory(s.ctx, alice)
	s.Require().NoError(err)
	s.Require().Len(history, 3)

	active := 0
	for _, r := range history {
		if r.Type == TypeDataProcessing && r.Active() {
			active++
			s.Equal(second.ID, r.ID)
		}
		if r.ID == first.ID {
			s.Equal(StatusWithdrawn, r.Status)
			s.Require().NotNil(r.WithdrawalDate)
			s.Equal(s.now, *r.WithdrawalDate)
		}
	}
	s.Equal(1, active)
	s.Equal(BasisConsent, second.LegalBasis)
}

func (s *ServiceSuite) TestWithdrawalIsSticky() {
	s.record(TypeAnalytics, 0)
	ok, err := s.svc.HasConsent(s.ctx, alice, TypeAnalytics)
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.svc.WithdrawConsent(s.ctx, alice, TypeAnalytics)
	s.Require().NoError(err)

	for i := 0; i < 2; i++ {
		s.advance(24 * time.Hour)
		ok, err = s.svc.HasConsent(s.ctx, alice, TypeAnalytics)
		s.Require().NoError(err)
		s.False(ok)
	}

	_, err = s.svc.WithdrawConsent(s.ctx, alice, TypeAnalytics)
	s.Equal(interfaces.KindNotFound, interfaces.KindOf(err))

	s.record(TypeAnalytics, 0)
	ok, err = s.svc.HasConsent(s.ctx, alice, TypeAnalytics)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *ServiceSuite) TestRecordConsentValidation() {
	_, err := s.svc.RecordConsent(s.ctx, ConsentInput{Party: alice, Type: "newsletter"})
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))

	_, err = s.svc.RecordConsent(s.ctx, ConsentInput{Party: alice, Type: TypeMarketing, LegalBasis: "whim"})
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))

	_, err = s.svc.RecordConsent(s.ctx, ConsentInput{Type: TypeMarketing})
	s.Equal(interfaces.KindInvalidAddress, interfaces.KindOf(err))
}

// Consent recorded, withdrawn, re-recorded with a five day retention, then
// the clock moves six days and the sweep runs twice.
func (s *ServiceSuite) TestRetentionSweepLifecycle() {
	s.record(TypeDataProcessing, 0)
	_, err := s.svc.WithdrawConsent(s.ctx, alice, TypeDataProcessing)
	s.Require().NoError(err)
	s.record(TypeDataProcessing, 5)

	s.advance(6 * 24 * time.Hour)

	report, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.RequestIDs, 1)
	s.Equal(RetentionReport{Checked: 1, Expired: 1, Created: 1, RequestIDs: report.RequestIDs}, report)

	report, err = s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(RetentionReport{Checked: 1, Expired: 1, Skipped: 1}, report)

	reqs, err := s.store.ListDeletions(s.ctx, alice)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.Equal(RequestPending, reqs[0].Status)
	s.Empty(reqs[0].CodeHash)
	s.Equal(ReasonRetentionExpired, reqs[0].Reason)
	s.Equal(TypeDataProcessing, reqs[0].ConsentType)
	s.Equal(DeletionAnonymization, reqs[0].RequestType)
}

func (s *ServiceSuite) TestRetentionNotYetExpired() {
	s.record(TypeDataProcessing, 5)
	s.advance(4 * 24 * time.Hour)

	report, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(RetentionReport{Checked: 1}, report)
}

func (s *ServiceSuite) TestDeletionBadCodeDoesNotMutate() {
	doc := s.insertDocument("degree", alice)
	req, code, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionAnonymization})
	s.Require().NoError(err)
	s.Len(code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, wrong, alice)
	s.Equal(interfaces.KindUnauthorized, interfaces.KindOf(err))

	// Another party cannot confirm it
	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, bob)
	s.Equal(interfaces.KindNotFound, interfaces.KindOf(err))

	s.advance(25 * time.Hour)
	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))

	got, err := s.docs.Get(s.ctx, doc.DocumentHash)
	s.Require().NoError(err)
	s.Equal(doc.Metadata, got.Metadata)
	s.True(got.IsActive)
	s.Equal(interfaces.StatusBlockchainStored, got.Status)
	s.Equal([]byte("sealed"), got.WrappedKey)

	expired, err := s.store.GetDeletion(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(RequestExpired, expired.Status)
	s.Empty(expired.CodeHash)

	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))
}

// An administrator carries out the sweep's request: the documents are
// anonymized and the expired consent is withdrawn, so the next sweep finds
// nothing to do.
func (s *ServiceSuite) TestRetentionRequestProcessed() {
	doc := s.insertDocument("degree", alice)
	s.record(TypeDataProcessing, 5)
	s.advance(6 * 24 * time.Hour)

	report, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.RequestIDs, 1)
	id := report.RequestIDs[0]

	// Sweep requests carry no code that a party could present
	_, err = s.svc.ProcessDeletionRequest(s.ctx, id, "000000", alice)
	s.Equal(interfaces.KindUnauthorized, interfaces.KindOf(err))

	done, err := s.svc.ProcessRetentionRequest(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(RequestCompleted, done.Status)
	s.Equal([]DeletionResult{{DocumentHash: doc.DocumentHash, Outcome: OutcomeAnonymized}}, done.Results)

	got, err := s.docs.Get(s.ctx, doc.DocumentHash)
	s.Require().NoError(err)
	s.Equal(RedactedValue, got.Metadata.StudentName)
	s.Equal(interfaces.StatusSoftDeleted, got.Status)

	ok, err := s.svc.HasConsent(s.ctx, alice, TypeDataProcessing)
	s.Require().NoError(err)
	s.False(ok)

	report, err = s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(RetentionReport{}, report)

	_, err = s.svc.ProcessRetentionRequest(s.ctx, id)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))
}

func (s *ServiceSuite) TestRetentionRequestNeedsSweepReason() {
	req, _, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionFull})
	s.Require().NoError(err)

	_, err = s.svc.ProcessRetentionRequest(s.ctx, req.ID)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))

	got, err := s.store.GetDeletion(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(RequestPending, got.Status)
}

// A sweep request nobody acted on expires at the next sweep past its
// deadline and a fresh one takes its place.
func (s *ServiceSuite) TestRetentionSweepReplacesExpiredRequest() {
	s.record(TypeDataProcessing, 5)
	s.advance(6 * 24 * time.Hour)

	first, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(first.RequestIDs, 1)

	s.advance(DefaultConfig().RetentionRequestTTL + time.Hour)
	second, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, second.Created)
	s.Equal(0, second.Skipped)
	s.Require().Len(second.RequestIDs, 1)
	s.NotEqual(first.RequestIDs[0], second.RequestIDs[0])

	old, err := s.store.GetDeletion(s.ctx, first.RequestIDs[0])
	s.Require().NoError(err)
	s.Equal(RequestExpired, old.Status)

	_, err = s.svc.ProcessRetentionRequest(s.ctx, first.RequestIDs[0])
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))
	_, err = s.svc.ProcessRetentionRequest(s.ctx, second.RequestIDs[0])
	s.Require().NoError(err)
}

// A party's own request whose code ran out no longer holds off the sweep.
func (s *ServiceSuite) TestExpiredPartyRequestDoesNotBlockSweep() {
	req, _, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionAnonymization})
	s.Require().NoError(err)
	s.record(TypeDataProcessing, 5)

	s.advance(24 * time.Hour)
	report, err := s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(RetentionReport{Checked: 1}, report)

	s.advance(5 * 24 * time.Hour)
	report, err = s.svc.CheckRetentionCompliance(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Created)

	stale, err := s.store.GetDeletion(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(RequestExpired, stale.Status)
}

// A document still being registered is left alone: destroying its key now
// would strand the anchor the pipeline is about to finalize.
func (s *ServiceSuite) TestDeletionLeavesInFlightRegistration() {
	anchored := s.insertDocument("degree", alice)
	inFlight := &interfaces.Document{
		DocumentHash: interfaces.ComputeDocumentHash([]byte("pending transcript")),
		IPFSCid:      "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		WrappedKey:   []byte("sealed"),
		Metadata: interfaces.Metadata{
			StudentName:     "Alice Li",
			InstitutionName: "Example University",
			DocumentType:    interfaces.CredentialTranscript,
			IssueDate:       "2024-06-15",
		},
		Access:   interfaces.Access{Owner: alice, Issuer: issuer},
		Audit:    interfaces.Audit{CreatedAt: s.now, CreatedBy: issuer},
		Status:   interfaces.StatusUploaded,
		IsActive: true,
	}
	s.Require().NoError(s.docs.Insert(s.ctx, inFlight))
	// DestroyKey on it would surface as a failed outcome
	s.keys.fail[inFlight.DocumentHash] = true

	req, code, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionAnonymization})
	s.Require().NoError(err)
	done, err := s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Equal(interfaces.KindInternal, interfaces.KindOf(err))
	s.Require().NotNil(done)
	s.Equal(RequestFailed, done.Status)

	outcomes := map[interfaces.DocumentHash]string{}
	for _, r := range done.Results {
		outcomes[r.DocumentHash] = r.Outcome
	}
	s.Equal(map[interfaces.DocumentHash]string{
		anchored.DocumentHash: OutcomeAnonymized,
		inFlight.DocumentHash: OutcomeInFlight,
	}, outcomes)

	got, err := s.docs.Get(s.ctx, inFlight.DocumentHash)
	s.Require().NoError(err)
	s.Equal(interfaces.StatusUploaded, got.Status)
	s.Equal("Alice Li", got.Metadata.StudentName)
	s.Equal([]byte("sealed"), got.WrappedKey)
}

func (s *ServiceSuite) TestAnonymizationLeavesLedgerUntouched() {
	ledger := registry.NewMemoryLedger(issuer, issuer)
	doc := s.insertDocument("degree", alice)
	ledger.SeedDocument(interfaces.LedgerDocument{
		Hash:         doc.DocumentHash,
		Issuer:       issuer,
		Owner:        alice,
		CID:          doc.IPFSCid,
		DocumentType: string(doc.Metadata.DocumentType),
		Timestamp:    s.now,
		IsActive:     true,
	})
	before, err := ledger.GetDocument(s.ctx, doc.DocumentHash)
	s.Require().NoError(err)
	other := s.insertDocument("transcript", bob)

	req, code, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionAnonymization})
	s.Require().NoError(err)
	done, err := s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Require().NoError(err)
	s.Equal(RequestCompleted, done.Status)
	s.Require().NotNil(done.CompletionDate)
	s.Equal([]DeletionResult{{DocumentHash: doc.DocumentHash, Outcome: OutcomeAnonymized}}, done.Results)

	got, err := s.docs.Get(s.ctx, doc.DocumentHash)
	s.Require().NoError(err)
	s.Equal(RedactedValue, got.Metadata.StudentName)
	s.Equal(RedactedValue, got.Metadata.StudentID)
	s.Equal(RedactedEmail, got.Metadata.StudentEmail)
	s.Empty(got.Metadata.Grade)
	s.Empty(got.Metadata.Course)
	s.Empty(got.Metadata.Description)
	s.False(got.IsActive)
	s.Nil(got.WrappedKey)
	s.Equal(interfaces.StatusSoftDeleted, got.Status)
	s.Equal(doc.Blockchain.TransactionID, got.Blockchain.TransactionID)

	after, err := ledger.GetDocument(s.ctx, doc.DocumentHash)
	s.Require().NoError(err)
	s.Equal(before, after)

	untouched, err := s.docs.Get(s.ctx, other.DocumentHash)
	s.Require().NoError(err)
	s.Equal("Alice Li", untouched.Metadata.StudentName)

	// The code is single use
	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))
}

func (s *ServiceSuite) TestFullDeletionErasesProfileAndConsents() {
	s.cache.Set(alice, interfaces.RoleStudent)
	s.Require().True(s.cache.UpdateProfile(alice, "Alice", "alice@example.edu"))
	s.record(TypeMarketing, 0)
	s.record(TypeAnalytics, 0)
	s.insertDocument("degree", alice)

	req, code, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionFull, Reason: "leaving"})
	s.Require().NoError(err)
	_, err = s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Require().NoError(err)

	for _, typ := range []Type{TypeMarketing, TypeAnalytics} {
		ok, err := s.svc.HasConsent(s.ctx, alice, typ)
		s.Require().NoError(err)
		s.False(ok)
	}
	p, ok := s.cache.Profile(alice)
	s.Require().True(ok)
	s.Empty(p.DisplayName)
	s.Empty(p.Email)
}

func (s *ServiceSuite) TestPartialDeletionFailureIsRecorded() {
	good := s.insertDocument("degree", alice)
	bad := s.insertDocument("diploma", alice)
	s.keys.fail[bad.DocumentHash] = true

	req, code, err := s.svc.CreateDeletionRequest(s.ctx, DeletionInput{Party: alice, RequestType: DeletionAnonymization})
	s.Require().NoError(err)
	done, err := s.svc.ProcessDeletionRequest(s.ctx, req.ID, code, alice)
	s.Require().Error(err)
	s.Require().NotNil(done)
	s.Equal(RequestFailed, done.Status)
	s.Len(done.Results, 2)

	outcomes := map[interfaces.DocumentHash]string{}
	for _, r := range done.Results {
		outcomes[r.DocumentHash] = r.Outcome
	}
	s.Equal(OutcomeAnonymized, outcomes[good.DocumentHash])
	s.Equal(OutcomeFailed, outcomes[bad.DocumentHash])

	kept, err := s.docs.Get(s.ctx, bad.DocumentHash)
	s.Require().NoError(err)
	s.Equal("Alice Li", kept.Metadata.StudentName)
}

func (s *ServiceSuite) TestExportLifecycle() {
	s.cache.Set(alice, interfaces.RoleStudent)
	s.record(TypeDataProcessing, 30)
	s.insertDocument("degree", alice)

	req, err := s.svc.CreateExportRequest(s.ctx, ExportInput{Party: alice, Format: FormatJSON})
	s.Require().NoError(err)
	s.Equal(s.now.Add(7*24*time.Hour), req.ExpiryDate)

	done, err := s.svc.ProcessExportRequest(s.ctx, req.ID, alice)
	s.Require().NoError(err)
	s.Equal(RequestCompleted, done.Status)
	s.Require().NotNil(done.GeneratedFile)
	s.Equal("application/json", done.GeneratedFile.ContentType)
	s.Contains(string(done.GeneratedFile.Data), `"consentType": "data_processing"`)
	s.NotContains(string(done.GeneratedFile.Data), "sealed")

	_, err = s.svc.ProcessExportRequest(s.ctx, req.ID, alice)
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))

	_, err = s.svc.GetExportRequest(s.ctx, req.ID, bob)
	s.Equal(interfaces.KindNotFound, interfaces.KindOf(err))

	s.advance(8 * 24 * time.Hour)
	_, err = s.svc.GetExportRequest(s.ctx, req.ID, alice)
	s.Equal(interfaces.KindNotFound, interfaces.KindOf(err))
	expired, err := s.store.GetExport(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(RequestExpired, expired.Status)
	s.Nil(expired.GeneratedFile)

	_, err = s.svc.CreateExportRequest(s.ctx, ExportInput{Party: alice, Format: "pdf"})
	s.Equal(interfaces.KindValidation, interfaces.KindOf(err))
}

func TestMemoryStore_InsertDeletionUnlessPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	pending := func(id string, party interfaces.Address) *DeletionRequest {
		return &DeletionRequest{ID: id, Party: party, Status: RequestPending, VerificationExpiry: now.Add(time.Hour)}
	}

	ok, err := store.InsertDeletionUnlessPending(ctx, pending("a", alice), now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.InsertDeletionUnlessPending(ctx, pending("b", alice), now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.InsertDeletionUnlessPending(ctx, pending("c", bob), now)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.UpdateDeletion(ctx, "a", func(r *DeletionRequest) error {
		r.Status = RequestCompleted
		return nil
	})
	require.NoError(t, err)

	ok, err = store.InsertDeletionUnlessPending(ctx, pending("d", alice), now)
	require.NoError(t, err)
	require.True(t, ok)

	// "c" runs out exactly at the later insert and stops counting as pending
	later := now.Add(time.Hour)
	ok, err = store.InsertDeletionUnlessPending(ctx, &DeletionRequest{ID: "e", Party: bob, Status: RequestPending, VerificationExpiry: later.Add(time.Hour)}, later)
	require.NoError(t, err)
	require.True(t, ok)
	c, err := store.GetDeletion(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, RequestExpired, c.Status)

	_, err = store.GetDeletion(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestSchemaDeclaresActiveConsentIndex(t *testing.T) {
	require.Contains(t, Schema, "CREATE UNIQUE INDEX IF NOT EXISTS consents_active_key")
	require.Contains(t, Schema, "WHERE status = 'active'")
}

func TestSchemaDeclaresPendingRetentionIndex(t *testing.T) {
	require.Contains(t, Schema, "CREATE UNIQUE INDEX IF NOT EXISTS deletion_requests_retention_pending_key")
	require.Contains(t, Schema, "WHERE status = 'pending' AND reason = 'data_retention_expired'")
}
