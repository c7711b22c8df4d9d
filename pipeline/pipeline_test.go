package pipeline

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/docstore"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/qrcode"
	"github.com/ruteri/credential-registry/registry"
	"github.com/ruteri/credential-registry/roles"
	"github.com/ruteri/credential-registry/storage"
)

var (
	signerAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	issuerAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	studentAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	otherAddr    = common.HexToAddress("0x4000000000000000000000000000000000000004")
	contractAddr = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	pipeline *Pipeline
	docs     *docstore.MemoryStore
	objects  *storage.MemoryStore
	keys     *storage.WrappedKeyCustody
	ledger   *registry.MemoryLedger
	locks    *LockTable

	mu     sync.Mutex
	events []DocumentEvent
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LedgerTimeout = 2 * time.Second
	cfg.StorageTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	cache := roles.NewCache()
	cache.Set(issuerAddr, interfaces.RoleIssuer)
	cache.Set(studentAddr, interfaces.RoleStudent)

	ledger := registry.NewMemoryLedger(signerAddr, contractAddr)
	keys, err := storage.NewWrappedKeyCustody(bytes.Repeat([]byte{7}, cryptoutils.KeySize))
	require.NoError(t, err)
	qr, err := qrcode.NewCodec("https://verify.example.edu")
	require.NoError(t, err)

	h := &harness{
		docs:    docstore.NewMemoryStore(),
		objects: storage.NewMemoryStore("memory", discardLogger()),
		keys:    keys,
		ledger:  ledger,
		locks:   NewLockTable(),
	}
	h.pipeline = NewPipeline(cfg, Deps{
		Roles:   roles.NewService(ledger, cache, discardLogger()),
		Docs:    h.docs,
		Objects: h.objects,
		Keys:    keys,
		Ledger:  ledger,
		QR:      qr,
		Retry: &RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
		Locks: h.locks,
		Events: EventSinkFunc(func(_ context.Context, ev DocumentEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		}),
	}, discardLogger())
	return h
}

func (h *harness) eventsOf(typ EventType) []DocumentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []DocumentEvent
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func request(content string) RegistrationRequest {
	return RegistrationRequest{
		File:     []byte(content),
		FileName: "diploma.pdf",
		MIMEType: "application/pdf",
		Metadata: interfaces.Metadata{
			StudentName:     "Alice Li",
			StudentID:       "STU-001",
			InstitutionName: "Example University",
			DocumentType:    interfaces.CredentialDiploma,
			IssueDate:       "2024-06-15",
		},
		Party: issuerAddr,
		Owner: studentAddr,
	}
}

func requireKind(t *testing.T, err error, kind interfaces.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, interfaces.KindOf(err), "error: %v", err)
}

func TestRegister_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("bachelor of science")

	res, err := h.pipeline.Register(ctx, req)
	require.NoError(t, err)

	hash := interfaces.ComputeDocumentHash(req.File)
	require.Equal(t, hash, res.DocumentHash)
	require.False(t, res.TransactionID.IsZero())
	require.NotEmpty(t, res.IPFSCid)
	require.Equal(t, "https://etherscan.io/tx/"+res.TransactionID.String(), res.ExplorerURL)
	require.Contains(t, res.QRCode.VerificationURL, hash.String())
	require.Equal(t, interfaces.StatusBlockchainStored, res.Document.Status)

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusBlockchainStored, doc.Status)
	require.Equal(t, res.TransactionID, doc.Blockchain.TransactionID)
	require.Equal(t, signerAddr, doc.Access.Issuer)
	require.Equal(t, studentAddr, doc.Access.Owner)
	require.Equal(t, issuerAddr, doc.Audit.CreatedBy)
	require.Equal(t, int64(len(req.File)), doc.FileInfo.Size)

	// The stored object is ciphertext that opens with the sealed key.
	ciphertext, err := h.objects.Get(ctx, doc.IPFSCid)
	require.NoError(t, err)
	require.NotEqual(t, req.File, ciphertext)
	key, err := h.keys.OpenKey(ctx, hash, doc.WrappedKey)
	require.NoError(t, err)
	plaintext, err := cryptoutils.DecryptDocument(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, req.File, plaintext)

	entry, err := h.ledger.GetDocument(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, doc.IPFSCid, entry.CID)
	require.NotContains(t, entry.MetadataJSON, "Alice")
	require.NotContains(t, entry.MetadataJSON, "STU-001")
	require.Contains(t, entry.MetadataJSON, `"institutionName":"Example University"`)

	registered := h.eventsOf(EventRegistered)
	require.Len(t, registered, 1)
	require.Equal(t, res.TransactionID, registered[0].TxHash)
	encoded, err := json.Marshal(registered[0])
	require.NoError(t, err)
	require.NotContains(t, string(encoded), hex.EncodeToString(key.Bytes()))

	require.Equal(t, 0, h.locks.Len())
}

func TestRegister_DuplicateIsRejectedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("master of arts")

	_, err := h.pipeline.Register(ctx, req)
	require.NoError(t, err)
	txs, puts := h.ledger.TxCount(), h.objects.PutCalls()

	_, err = h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindDuplicateDocument)
	require.Equal(t, txs, h.ledger.TxCount())
	require.Equal(t, puts, h.objects.PutCalls())
}

func TestRegister_UnauthorizedHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, party := range []interfaces.Address{studentAddr, otherAddr} {
		req := request("forged transcript")
		req.Party = party
		_, err := h.pipeline.Register(ctx, req)
		requireKind(t, err, interfaces.KindUnauthorized)
	}

	require.Equal(t, 0, h.objects.PutCalls())
	require.Equal(t, 0, h.ledger.TxCount())
	_, err := h.docs.Get(ctx, interfaces.ComputeDocumentHash([]byte("forged transcript")))
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRegister_AdmissionValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*RegistrationRequest)
		kind   interfaces.Kind
	}{
		{"zero owner", func(r *RegistrationRequest) { r.Owner = interfaces.ZeroAddress }, interfaces.KindInvalidAddress},
		{"empty file", func(r *RegistrationRequest) { r.File = nil }, interfaces.KindValidation},
		{"oversized file", func(r *RegistrationRequest) { r.File = make([]byte, MaxFileSize+1) }, interfaces.KindValidation},
		{"unsupported type", func(r *RegistrationRequest) { r.MIMEType = "application/zip" }, interfaces.KindValidation},
		{"missing student name", func(r *RegistrationRequest) { r.Metadata.StudentName = "" }, interfaces.KindValidation},
		{"future issue date", func(r *RegistrationRequest) { r.Metadata.IssueDate = "2999-01-01" }, interfaces.KindValidation},
		{"expiry before issue", func(r *RegistrationRequest) { r.Metadata.ExpiryDate = "2020-01-01" }, interfaces.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := request("admission " + tt.name)
			tt.mutate(&req)
			_, err := h.pipeline.Register(ctx, req)
			requireKind(t, err, tt.kind)
			require.Equal(t, 0, h.objects.PutCalls())
		})
	}
}

func TestRegister_AcceptsMIMEParameters(t *testing.T) {
	h := newHarness(t, nil)
	req := request("plain text certificate")
	req.MIMEType = "Text/Plain; charset=utf-8"

	res, err := h.pipeline.Register(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "text/plain", res.Document.FileInfo.MIMEType)
}

func TestRegister_Quota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MaxDocumentsPerParty = 1 })

	_, err := h.pipeline.Register(ctx, request("first"))
	require.NoError(t, err)
	_, err = h.pipeline.Register(ctx, request("second"))
	requireKind(t, err, interfaces.KindForbidden)
}

func TestRegister_DroppedReceiptIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.LedgerTimeout = 50 * time.Millisecond })
	req := request("phd thesis certificate")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.DropReceiptNext()
	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindLedgerUnavailable)

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusUploaded, doc.Status)
	require.True(t, h.objects.IsPinned(doc.IPFSCid))

	expected, err := h.ledger.FindRegistration(ctx, hash)
	require.NoError(t, err)

	// Not yet stale.
	rec := NewReconciler(h.pipeline, discardLogger())
	report, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Scanned)

	h.pipeline.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	report, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Finalized: 1}, report)

	doc, err = h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusBlockchainStored, doc.Status)
	require.Equal(t, expected.TxHash, doc.Blockchain.TransactionID)
	require.Equal(t, 1, h.ledger.TxCount())
	require.Equal(t, 1, h.ledger.RegisterSubmissions(hash))

	// A second pass finds nothing left.
	report, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Scanned)
}

func TestRegister_UnsentAnchorIsResubmitted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("associate degree")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.FailNext(interfaces.NewError(interfaces.KindLedgerUnavailable, "connection refused"))
	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindLedgerUnavailable)
	require.Equal(t, 0, h.ledger.TxCount())

	h.pipeline.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	report, err := NewReconciler(h.pipeline, discardLogger()).ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resubmitted)

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusBlockchainStored, doc.Status)
	require.Equal(t, 1, h.ledger.RegisterSubmissions(hash))
}

func TestReconciler_SkipsLockedRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("locked certificate")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.FailNext(interfaces.NewError(interfaces.KindLedgerUnavailable, "connection refused"))
	_, err := h.pipeline.Register(ctx, req)
	require.Error(t, err)

	unlock := h.locks.Lock(hash)
	h.pipeline.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	rec := NewReconciler(h.pipeline, discardLogger())
	report, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Skipped: 1}, report)

	unlock()
	report, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resubmitted)
}

func TestRegister_RevertFailsRecordAndAllowsRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("rejected diploma")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.RevertNext(interfaces.RevertInvalidDocumentType)
	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindLedgerRejected)
	require.Equal(t, interfaces.RevertInvalidDocumentType, interfaces.ReasonOf(err))

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusFailed, doc.Status)
	require.Equal(t, interfaces.RevertInvalidDocumentType, doc.FailureNote)
	require.Contains(t, h.objects.Unpinned(), doc.IPFSCid)
	require.Len(t, h.eventsOf(EventFailed), 1)

	res, err := h.pipeline.Register(ctx, req)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusBlockchainStored, res.Document.Status)
	require.Empty(t, res.Document.FailureNote)
}

func TestRegister_AnchoredByAnotherIssuer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("contested transcript")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.SeedDocument(interfaces.LedgerDocument{
		Hash:     hash,
		Issuer:   otherAddr,
		Owner:    studentAddr,
		CID:      "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		IsActive: true,
	})

	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindDuplicateDocument)
	require.Equal(t, interfaces.RevertDocumentExists, interfaces.ReasonOf(err))
	require.Equal(t, http.StatusConflict, interfaces.HTTPStatus(interfaces.KindOf(err)))

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusFailed, doc.Status)
	require.Equal(t, interfaces.RevertDocumentExists, doc.FailureNote)
	require.Nil(t, doc.WrappedKey)
	require.Contains(t, h.objects.Unpinned(), doc.IPFSCid)
	require.Len(t, h.eventsOf(EventFailed), 1)
	require.Empty(t, h.eventsOf(EventDiverged))

	// nothing is left for the reconciler
	h.pipeline.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	report, err := NewReconciler(h.pipeline, discardLogger()).ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{}, report)
}

func TestReconciler_ForeignEntryDivergesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("disputed certificate")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.FailNext(interfaces.NewError(interfaces.KindLedgerUnavailable, "connection refused"))
	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindLedgerUnavailable)

	h.ledger.SeedDocument(interfaces.LedgerDocument{
		Hash:     hash,
		Issuer:   otherAddr,
		Owner:    studentAddr,
		CID:      "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		IsActive: true,
	})

	h.pipeline.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	rec := NewReconciler(h.pipeline, discardLogger())
	report, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Diverged: 1}, report)

	doc, err := h.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusFailed, doc.Status)
	require.Nil(t, doc.WrappedKey)
	require.Contains(t, h.objects.Unpinned(), doc.IPFSCid)

	for i := 0; i < 2; i++ {
		report, err = rec.ReconcileOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, report.Scanned)
	}
	require.Len(t, h.eventsOf(EventDiverged), 1)
}

func TestFinalize_ErasedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("erased mid-flight")
	hash := interfaces.ComputeDocumentHash(req.File)

	h.ledger.FailNext(interfaces.NewError(interfaces.KindLedgerUnavailable, "connection refused"))
	_, err := h.pipeline.Register(ctx, req)
	requireKind(t, err, interfaces.KindLedgerUnavailable)

	_, err = h.docs.Update(ctx, hash, func(d *interfaces.Document) error {
		d.Status = interfaces.StatusSoftDeleted
		return nil
	})
	require.NoError(t, err)

	_, err = h.pipeline.finalize(ctx, hash, &interfaces.Receipt{TxHash: interfaces.TxHash(interfaces.ComputeDocumentHash([]byte("tx")))})
	requireKind(t, err, interfaces.KindValidation)
	require.Contains(t, err.Error(), "soft_deleted")
}

func TestRegister_StorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.objects.FailPuts(errors.New("gateway timeout"))
		_, err := h.pipeline.Register(ctx, request("retried upload"))
		require.NoError(t, err)
		require.Equal(t, 2, h.objects.PutCalls())
	})

	t.Run("persistent failure leaves nothing behind", func(t *testing.T) {
		h := newHarness(t, nil)
		h.objects.SetAvailable(false)
		req := request("failed upload")
		_, err := h.pipeline.Register(ctx, req)
		requireKind(t, err, interfaces.KindStorageUnavailable)
		require.Equal(t, 3, h.objects.PutCalls())
		require.Equal(t, 0, h.ledger.TxCount())
		_, err = h.docs.Get(ctx, interfaces.ComputeDocumentHash(req.File))
		require.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("database outage rejects at admission", func(t *testing.T) {
		h := newHarness(t, nil)
		h.docs.SetAvailable(false)
		_, err := h.pipeline.Register(ctx, request("db down"))
		requireKind(t, err, interfaces.KindDatabaseUnavailable)
		require.Equal(t, 0, h.objects.PutCalls())
	})

	t.Run("draft failure releases ciphertext", func(t *testing.T) {
		h := newHarness(t, nil)
		h.pipeline.docs = failingInsert{h.docs}
		_, err := h.pipeline.Register(ctx, request("insert fails"))
		requireKind(t, err, interfaces.KindDatabaseUnavailable)
		require.Len(t, h.objects.Unpinned(), 1)
		require.Equal(t, 0, h.ledger.TxCount())
	})
}

type failingInsert struct {
	*docstore.MemoryStore
}

func (failingInsert) Insert(context.Context, *interfaces.Document) error {
	return errors.New("connection reset")
}

func TestRegister_Backpressure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MaxInFlightStorage = 1 })
	h.objects.SetPutDelay(300 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Register(ctx, request("slow upload"))
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		inStorage, _ := h.pipeline.InFlight()
		return inStorage == 1
	}, time.Second, 5*time.Millisecond)

	_, err := h.pipeline.Register(ctx, request("rejected while busy"))
	requireKind(t, err, interfaces.KindBusy)

	require.NoError(t, <-errCh)
	inStorage, inLedger := h.pipeline.InFlight()
	assert.Zero(t, inStorage)
	assert.Zero(t, inLedger)
}

func TestRegister_CancelledCallerLetsWorkflowFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.objects.SetPutDelay(100 * time.Millisecond)
	req := request("cancelled upload")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Register(ctx, req)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		inStorage, _ := h.pipeline.InFlight()
		return inStorage == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	requireKind(t, <-errCh, interfaces.KindCancelled)
	h.pipeline.Wait()

	doc, err := h.docs.Get(context.Background(), interfaces.ComputeDocumentHash(req.File))
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusBlockchainStored, doc.Status)
	require.Equal(t, 0, h.locks.Len())
}

func TestRegister_CancelledBeforeUpload(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Register(ctx, request("never started"))
	requireKind(t, err, interfaces.KindCancelled)
	require.Equal(t, 0, h.objects.PutCalls())
}

func TestRegister_ConcurrentSameFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := request("submitted twice at once")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.pipeline.Register(ctx, req)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case interfaces.HasKind(err, interfaces.KindDuplicateDocument):
			dup++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, dup)
	require.Equal(t, 1, h.ledger.RegisterSubmissions(interfaces.ComputeDocumentHash(req.File)))
}

func TestLockTable(t *testing.T) {
	locks := NewLockTable()
	a := interfaces.ComputeDocumentHash([]byte("a"))
	b := interfaces.ComputeDocumentHash([]byte("b"))

	unlockA := locks.Lock(a)
	_, ok := locks.TryLock(a)
	require.False(t, ok)

	unlockB, ok := locks.TryLock(b)
	require.True(t, ok)
	require.Equal(t, 2, locks.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock(a)
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	unlockA()
	<-acquired
	unlockB()
	require.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, time.Millisecond)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	policy := &RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}

	calls := 0
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = policy.Do(ctx, func(context.Context) error {
		calls++
		return interfaces.RejectedError(interfaces.RevertInvalidCID, nil)
	})
	requireKind(t, err, interfaces.KindLedgerRejected)
	require.Equal(t, 1, calls)

	calls = 0
	v, err := RetryValue(ctx, policy, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, 2, calls)
}

func TestConfig_ExplorerURL(t *testing.T) {
	cfg := Config{ExplorerBaseURL: "https://sepolia.etherscan.io/"}
	require.Equal(t, "https://sepolia.etherscan.io/tx/0xabc", cfg.ExplorerURL("0xabc"))
	require.Equal(t, "image/png", normalizeMIME(" IMAGE/PNG ; q=1"))
	require.True(t, strings.HasPrefix(DefaultConfig().ExplorerURL("0x1"), "https://etherscan.io/"))
}
