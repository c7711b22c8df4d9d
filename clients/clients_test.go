package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/credential-registry/auth"
	"github.com/ruteri/credential-registry/consent"
	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/docstore"
	"github.com/ruteri/credential-registry/httpserver"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/metrics"
	"github.com/ruteri/credential-registry/pipeline"
	"github.com/ruteri/credential-registry/qrcode"
	"github.com/ruteri/credential-registry/registry"
	"github.com/ruteri/credential-registry/roles"
	"github.com/ruteri/credential-registry/storage"
	"github.com/ruteri/credential-registry/verification"
)

var newcomerAddr = common.HexToAddress("0x6000000000000000000000000000000000000006")

type testEnv struct {
	url    string
	key    *ecdsa.PrivateKey
	admin  common.Address
	cache  *roles.Cache
	ledger *registry.MemoryLedger
	docs   *docstore.MemoryStore
}

// newTestEnv serves the full API from in-memory backends. The generated key
// is both the ledger signer and the only admin.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(key.PublicKey)

	env := &testEnv{
		key:    key,
		admin:  admin,
		cache:  roles.NewCache(),
		ledger: registry.NewMemoryLedger(admin, crypto.CreateAddress(admin, 0)),
		docs:   docstore.NewMemoryStore(),
	}
	_, err = roles.NewSyncer(env.ledger, env.cache, 0, log).SyncOnce(context.Background())
	require.NoError(t, err)

	rolesSvc := roles.NewService(env.ledger, env.cache, log)
	objects := storage.NewMemoryStore("memory", log)
	keys, err := storage.NewWrappedKeyCustody(bytes.Repeat([]byte{1}, cryptoutils.KeySize))
	require.NoError(t, err)
	qr, err := qrcode.NewCodec("https://verify.example.edu")
	require.NoError(t, err)
	metricsSrv, err := metrics.New("clients_test", "")
	require.NoError(t, err)
	m := metricsSrv.Metrics()

	p := pipeline.NewPipeline(pipeline.DefaultConfig(), pipeline.Deps{
		Roles:   rolesSvc,
		Docs:    env.docs,
		Objects: objects,
		Keys:    keys,
		Ledger:  env.ledger,
		QR:      qr,
		Metrics: m,
	}, log)

	authCfg := auth.DefaultConfig()
	authCfg.Secret = bytes.Repeat([]byte("k"), auth.MinSecretLength)
	authSvc, err := auth.NewService(authCfg, auth.NewMemoryChallengeStore(), env.cache, log)
	require.NoError(t, err)

	handler := httpserver.NewHandler(httpserver.HandlerDeps{
		Pipeline:   p,
		Reconciler: pipeline.NewReconciler(p, log),
		Verifier: verification.NewService(verification.Deps{
			Ledger:  env.ledger,
			Docs:    env.docs,
			Objects: objects,
			Keys:    keys,
			Access:  rolesSvc,
			Metrics: m,
		}, log),
		Roles:   rolesSvc,
		Auth:    authSvc,
		Consent: consent.NewService(consent.DefaultConfig(), consent.NewMemoryStore(), env.docs, keys, rolesSvc, m, log),
		Docs:    env.docs,
		Objects: objects,
		Ledger:  env.ledger,
	}, log)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{Log: log}, handler, metricsSrv)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	env.url = ts.URL
	return env
}

func TestAdminClient_LoginAndRoles(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	client := NewAdminClient(env.url, env.key)
	require.Equal(t, env.admin, client.Address())

	res, err := client.Login(ctx)
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleAdmin, res.Role)
	require.NotEmpty(t, res.Token)

	tx, err := client.AssignRole(ctx, newcomerAddr, interfaces.RoleIssuer)
	require.NoError(t, err)
	require.False(t, tx.TransactionHash.IsZero())
	role, ok := env.cache.Role(newcomerAddr)
	require.True(t, ok)
	require.Equal(t, interfaces.RoleIssuer, role)

	_, err = client.BatchAssignRoles(ctx, []interfaces.Address{newcomerAddr}, []interfaces.Role{interfaces.RoleVerifier})
	require.NoError(t, err)
	role, _ = env.cache.Role(newcomerAddr)
	require.Equal(t, interfaces.RoleVerifier, role)

	_, err = client.RevokeRole(ctx, newcomerAddr)
	require.NoError(t, err)
	_, ok = env.cache.Role(newcomerAddr)
	require.False(t, ok)

	_, err = client.TransferAdmin(ctx, env.admin)
	require.Equal(t, interfaces.KindValidation, interfaces.KindOf(err))
}

func TestAdminClient_Maintenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	client := NewAdminClient(env.url, env.key)

	_, err := client.Reconcile(ctx)
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))

	_, err = client.Login(ctx)
	require.NoError(t, err)

	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Scanned)

	retention, err := client.RetentionSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, retention.Checked)
	require.Empty(t, retention.RequestIDs)

	_, err = client.ProcessRetentionRequest(ctx, "unknown")
	require.Equal(t, interfaces.KindNotFound, interfaces.KindOf(err))
}

func TestAdminClient_LoginRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	client := NewAdminClient(env.url, nil)

	_, err := client.Login(t.Context())
	require.Error(t, err)

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	client = NewAdminClient(env.url, stranger)
	res, err := client.Login(t.Context())
	require.NoError(t, err)
	require.Equal(t, interfaces.RoleStudent, res.Role)

	_, err = client.AssignRole(t.Context(), newcomerAddr, interfaces.RoleIssuer)
	require.Equal(t, interfaces.KindUnauthorized, interfaces.KindOf(err))
}

func TestRegistryClient_VerifyAndHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	client := NewRegistryClient(env.url)

	v, err := client.Verify(ctx, interfaces.ComputeDocumentHash([]byte("never registered")))
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.Equal(t, verification.ReasonNotAnchored, v.Reason)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)

	env.docs.SetAvailable(false)
	health, err = client.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "degraded", health.Status)
	require.False(t, health.Services["database"])

	env.docs.SetAvailable(true)
	env.ledger.SetAvailable(false)
	_, err = client.Verify(ctx, interfaces.ComputeDocumentHash([]byte("anything")))
	require.Equal(t, interfaces.KindLedgerUnavailable, interfaces.KindOf(err))
}

func TestSignMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := SignMessage("hello registry", key)
	require.NoError(t, err)

	addr, err := cryptoutils.RecoverWalletAddress("hello registry", sig)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}
