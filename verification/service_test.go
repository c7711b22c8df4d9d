package verification

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/docstore"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/pipeline"
	"github.com/ruteri/credential-registry/qrcode"
	"github.com/ruteri/credential-registry/registry"
	"github.com/ruteri/credential-registry/roles"
	"github.com/ruteri/credential-registry/storage"
)

var (
	signerAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	issuerAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	studentAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	verifierAddr = common.HexToAddress("0x4000000000000000000000000000000000000004")
	strangerAddr = common.HexToAddress("0x5000000000000000000000000000000000000005")
	contractAddr = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

const otherCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc      *Service
	pipeline *pipeline.Pipeline
	docs     *docstore.MemoryStore
	objects  *storage.MemoryStore
	ledger   *registry.MemoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cache := roles.NewCache()
	cache.Set(issuerAddr, interfaces.RoleIssuer)
	cache.Set(studentAddr, interfaces.RoleStudent)
	cache.Set(verifierAddr, interfaces.RoleVerifier)

	ledger := registry.NewMemoryLedger(signerAddr, contractAddr)
	rolesSvc := roles.NewService(ledger, cache, discardLogger())
	keys, err := storage.NewWrappedKeyCustody(bytes.Repeat([]byte{3}, cryptoutils.KeySize))
	require.NoError(t, err)
	qr, err := qrcode.NewCodec("https://verify.example.edu")
	require.NoError(t, err)

	f := &fixture{
		docs:    docstore.NewMemoryStore(),
		objects: storage.NewMemoryStore("memory", discardLogger()),
		ledger:  ledger,
	}
	f.pipeline = pipeline.NewPipeline(pipeline.DefaultConfig(), pipeline.Deps{
		Roles:   rolesSvc,
		Docs:    f.docs,
		Objects: f.objects,
		Keys:    keys,
		Ledger:  ledger,
		QR:      qr,
	}, discardLogger())
	f.svc = NewService(Deps{
		Ledger:  ledger,
		Docs:    f.docs,
		Objects: f.objects,
		Keys:    keys,
		Access:  rolesSvc,
	}, discardLogger())
	return f
}

func (f *fixture) register(t *testing.T, content string) *pipeline.RegistrationResult {
	t.Helper()
	res, err := f.pipeline.Register(context.Background(), pipeline.RegistrationRequest{
		File:     []byte(content),
		FileName: "degree.pdf",
		MIMEType: "application/pdf",
		Metadata: interfaces.Metadata{
			StudentName:     "Alice Li",
			StudentID:       "STU-001",
			InstitutionName: "Example University",
			DocumentType:    interfaces.CredentialDegree,
			IssueDate:       "2023-09-01",
		},
		Party: issuerAddr,
		Owner: studentAddr,
	})
	require.NoError(t, err)
	return res
}

func TestVerify_RegisteredDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "bachelor of engineering")

	v, err := f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash})
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.True(t, v.OnChain)
	require.False(t, v.OffchainMissing)
	require.Empty(t, v.Reason)
	require.True(t, v.IsActive)
	require.False(t, v.AccessGranted)
	require.Nil(t, v.Document)
	require.Equal(t, uint64(1), v.VerificationCount)
	require.Equal(t, signerAddr, v.Ledger.Issuer)
	require.NotContains(t, v.Ledger.Metadata, "Alice")

	v, err = f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash, Caller: studentAddr})
	require.NoError(t, err)
	require.True(t, v.AccessGranted)
	require.Equal(t, "Alice Li", v.Document.Metadata.StudentName)
	require.Equal(t, uint64(2), v.VerificationCount)

	v, err = f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash, Caller: verifierAddr})
	require.NoError(t, err)
	require.True(t, v.AccessGranted)

	v, err = f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash, Caller: strangerAddr})
	require.NoError(t, err)
	require.False(t, v.AccessGranted)

	doc, err := f.docs.Get(ctx, res.DocumentHash)
	require.NoError(t, err)
	require.Equal(t, uint64(4), doc.Audit.VerificationCount)
	require.NotNil(t, doc.Audit.LastVerifiedAt)
}

func TestVerify_NotAnchored(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Verify(context.Background(), VerifyRequest{Hash: interfaces.ComputeDocumentHash([]byte("never registered"))})
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.False(t, v.OnChain)
	require.Equal(t, ReasonNotAnchored, v.Reason)
}

func TestVerify_LocalRecordWithoutAnchorIsNotVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hash := interfaces.ComputeDocumentHash([]byte("draft only"))
	require.NoError(t, f.docs.Insert(ctx, &interfaces.Document{
		DocumentHash: hash,
		IPFSCid:      otherCID,
		Access:       interfaces.Access{Owner: studentAddr, Issuer: signerAddr},
		Status:       interfaces.StatusUploaded,
		IsActive:     true,
	}))

	v, err := f.svc.Verify(ctx, VerifyRequest{Hash: hash})
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, ReasonNotAnchored, v.Reason)

	doc, err := f.docs.Get(ctx, hash)
	require.NoError(t, err)
	require.Zero(t, doc.Audit.VerificationCount)
}

func TestVerify_OffchainMissing(t *testing.T) {
	f := newFixture(t)
	hash := interfaces.ComputeDocumentHash([]byte("ledger only"))
	f.ledger.SeedDocument(interfaces.LedgerDocument{
		Hash: hash, Issuer: signerAddr, Owner: studentAddr, CID: otherCID, IsActive: true,
	})

	v, err := f.svc.Verify(context.Background(), VerifyRequest{Hash: hash})
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.True(t, v.OnChain)
	require.True(t, v.OffchainMissing)
	require.Zero(t, v.VerificationCount)
}

func TestVerify_Divergence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "diverging diploma")

	_, err := f.docs.Update(ctx, res.DocumentHash, func(d *interfaces.Document) error {
		d.IPFSCid = otherCID
		return nil
	})
	require.NoError(t, err)

	v, err := f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash})
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, ReasonDivergence, v.Reason)
}

func TestVerify_SuppliedBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "original transcript")

	v, err := f.svc.Verify(ctx, VerifyRequest{Bytes: []byte("original transcript")})
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.Equal(t, res.DocumentHash, v.DocumentHash)

	v, err = f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash, Bytes: []byte("tampered transcript")})
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, ReasonHashMismatch, v.Reason)

	v, err = f.svc.Verify(ctx, VerifyRequest{Bytes: []byte("tampered transcript")})
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, ReasonNotAnchored, v.Reason)

	_, err = f.svc.Verify(ctx, VerifyRequest{})
	require.Equal(t, interfaces.KindInvalidHash, interfaces.KindOf(err))
}

func TestVerify_Deactivated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "revoked certificate")

	_, err := f.ledger.DeactivateDocument(ctx, res.DocumentHash, "issued in error")
	require.NoError(t, err)

	v, err := f.svc.Verify(ctx, VerifyRequest{Hash: res.DocumentHash})
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.True(t, v.Deactivated)
	require.False(t, v.IsActive)
	require.Equal(t, ReasonDeactivated, v.Reason)
}

func TestVerify_Unavailable(t *testing.T) {
	ctx := context.Background()
	hash := interfaces.ComputeDocumentHash([]byte("anything"))

	f := newFixture(t)
	f.ledger.SetAvailable(false)
	_, err := f.svc.Verify(ctx, VerifyRequest{Hash: hash})
	require.Equal(t, interfaces.KindLedgerUnavailable, interfaces.KindOf(err))

	f = newFixture(t)
	f.docs.SetAvailable(false)
	_, err = f.svc.Verify(ctx, VerifyRequest{Hash: hash})
	require.Equal(t, interfaces.KindDatabaseUnavailable, interfaces.KindOf(err))
}

func TestVerifyQR(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "qr diploma")

	v, err := f.svc.VerifyQR(ctx, res.QRCode.VerificationURL, nil, interfaces.ZeroAddress)
	require.NoError(t, err)
	require.True(t, v.Verified)

	// Hex case in the link does not matter.
	hexDigits := res.DocumentHash.String()[2:]
	upper := strings.Replace(res.QRCode.VerificationURL, hexDigits, strings.ToUpper(hexDigits), 1)
	v, err = f.svc.VerifyQR(ctx, upper, nil, interfaces.ZeroAddress)
	require.NoError(t, err)
	require.True(t, v.Verified)

	wrongTx := interfaces.TxHash(interfaces.ComputeDocumentHash([]byte("other tx")))
	link := "https://verify.example.edu/verify?hash=" + res.DocumentHash.String() + "&tx=" + wrongTx.String()
	v, err = f.svc.VerifyQR(ctx, link, nil, interfaces.ZeroAddress)
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, ReasonTxMismatch, v.Reason)

	_, err = f.svc.VerifyQR(ctx, "https://verify.example.edu/other?hash=0x1", nil, interfaces.ZeroAddress)
	require.Equal(t, interfaces.KindInvalidQR, interfaces.KindOf(err))
}

func TestVerifyQR_OffchainMissingUsesLedgerTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "lost record")

	// Drop the operational record but keep the anchor.
	f.docs = docstore.NewMemoryStore()
	f.svc.docs = f.docs

	v, err := f.svc.VerifyQR(ctx, res.QRCode.VerificationURL, nil, interfaces.ZeroAddress)
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.True(t, v.OffchainMissing)

	wrongTx := interfaces.TxHash(interfaces.ComputeDocumentHash([]byte("forged")))
	link := "https://verify.example.edu/verify?hash=" + res.DocumentHash.String() + "&tx=" + wrongTx.String()
	v, err = f.svc.VerifyQR(ctx, link, nil, interfaces.ZeroAddress)
	require.NoError(t, err)
	require.Equal(t, ReasonTxMismatch, v.Reason)
}

func TestDecrypt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	content := "confidential transcript"
	res := f.register(t, content)

	for _, party := range []interfaces.Address{studentAddr, issuerAddr, signerAddr} {
		plaintext, doc, err := f.svc.Decrypt(ctx, res.DocumentHash, party)
		require.NoError(t, err)
		require.Equal(t, content, string(plaintext))
		require.Equal(t, res.DocumentHash, doc.DocumentHash)
	}

	for _, party := range []interfaces.Address{verifierAddr, strangerAddr, interfaces.ZeroAddress} {
		_, _, err := f.svc.Decrypt(ctx, res.DocumentHash, party)
		require.Equal(t, interfaces.KindForbidden, interfaces.KindOf(err))
	}

	_, _, err := f.svc.Decrypt(ctx, interfaces.ComputeDocumentHash([]byte("missing")), studentAddr)
	require.Equal(t, interfaces.KindNotFound, interfaces.KindOf(err))

	_, err = f.docs.Update(ctx, res.DocumentHash, func(d *interfaces.Document) error {
		d.WrappedKey = nil
		return nil
	})
	require.NoError(t, err)
	_, _, err = f.svc.Decrypt(ctx, res.DocumentHash, studentAddr)
	require.Equal(t, interfaces.KindNotFound, interfaces.KindOf(err))
}

func TestVerify_UsesClock(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "clocked")
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.SetClock(func() time.Time { return at })

	v, err := f.svc.Verify(context.Background(), VerifyRequest{Hash: res.DocumentHash})
	require.NoError(t, err)
	require.Equal(t, at, v.VerifiedAt)

	doc, err := f.docs.Get(context.Background(), res.DocumentHash)
	require.NoError(t, err)
	require.Equal(t, at, doc.Audit.LastVerifiedAt.UTC())
}
