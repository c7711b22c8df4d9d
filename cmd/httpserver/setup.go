package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/credential-registry/auth"
	"github.com/ruteri/credential-registry/cmd/flags"
	"github.com/ruteri/credential-registry/common"
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

// registryApp holds the running services and the background loops around them.
type registryApp struct {
	server     *httpserver.Server
	pipeline   *pipeline.Pipeline
	reconciler *pipeline.Reconciler
	syncer     *roles.Syncer
	sweeper    *consent.Sweeper
	log        *slog.Logger

	closers []func()
	loops   sync.WaitGroup
}

func setup(ctx context.Context, cCtx *cli.Context, log *slog.Logger) (*registryApp, error) {
	app := &registryApp{log: log}
	if err := app.build(ctx, cCtx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *registryApp) build(ctx context.Context, cCtx *cli.Context) error {
	log := app.log

	metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
	if err != nil {
		log.Error("Failed to create metrics server", "err", err)
		return err
	}
	m := metricsSrv.Metrics()

	ledger, startBlock, err := app.openLedger(ctx, cCtx)
	if err != nil {
		return err
	}

	docs, consentStore, err := app.openStores(ctx, cCtx)
	if err != nil {
		return err
	}

	objects, err := storage.NewFactory(log).MirroredStoreFor(cCtx.String(flagObjectStore.Name), cCtx.StringSlice(flagMirrors.Name))
	if err != nil {
		log.Error("Failed to create object store", "err", err)
		return err
	}

	keys, err := openKeyCustody(cCtx, log)
	if err != nil {
		return err
	}

	challenges, err := app.openChallengeStore(ctx, cCtx)
	if err != nil {
		return err
	}

	cache := roles.NewCache()
	rolesSvc := roles.NewService(ledger, cache, log)
	app.syncer = roles.NewSyncer(ledger, cache, startBlock, log)
	app.syncer.OnApplied(m.AddRoleEvents)
	if n, err := app.syncer.SyncOnce(ctx); err != nil {
		log.Warn("Initial role sync failed, serving with an empty role cache", "err", err)
	} else {
		log.Info("Role cache loaded", "events", n, "admins", cache.Admins())
	}

	qr, err := qrcode.NewCodec(cCtx.String(flagVerifyBaseURL.Name))
	if err != nil {
		log.Error("Invalid verification base URL", "err", err)
		return err
	}

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.ExplorerBaseURL = cCtx.String(flagExplorerURL.Name)
	app.pipeline = pipeline.NewPipeline(pipelineCfg, pipeline.Deps{
		Roles:   rolesSvc,
		Docs:    docs,
		Objects: objects,
		Keys:    keys,
		Ledger:  ledger,
		QR:      qr,
		Metrics: m,
	}, log)
	app.reconciler = pipeline.NewReconciler(app.pipeline, log)

	verifier := verification.NewService(verification.Deps{
		Ledger:  ledger,
		Docs:    docs,
		Objects: objects,
		Keys:    keys,
		Access:  rolesSvc,
		Metrics: m,
	}, log)

	authCfg := auth.DefaultConfig()
	authCfg.Secret = []byte(cCtx.String(flagJWTSecret.Name))
	authCfg.TokenTTL = cCtx.Duration(flagTokenTTL.Name)
	authSvc, err := auth.NewService(authCfg, challenges, cache, log)
	if err != nil {
		log.Error("Failed to create auth service", "err", err)
		return err
	}

	consentCfg := consent.DefaultConfig()
	consentCfg.RetentionRequestTTL = cCtx.Duration(flagRetentionRequestTTL.Name)
	consentSvc := consent.NewService(consentCfg, consentStore, docs, keys, rolesSvc, m, log)
	app.sweeper = consent.NewSweeper(consentSvc, log)

	handler := httpserver.NewHandler(httpserver.HandlerDeps{
		Pipeline:   app.pipeline,
		Reconciler: app.reconciler,
		Verifier:   verifier,
		Roles:      rolesSvc,
		Auth:       authSvc,
		Consent:    consentSvc,
		Docs:       docs,
		Objects:    objects,
		Ledger:     ledger,
		Production: cCtx.Bool(flagProduction.Name),
	}, log)

	cfg := flags.ConfigureServer(cCtx, log, cCtx.String(flags.ListenAddrFlag.Name))
	app.server, err = httpserver.New(cfg, handler, metricsSrv)
	if err != nil {
		log.Error("Failed to create server", "err", err)
		return err
	}
	return nil
}

func (app *registryApp) openLedger(ctx context.Context, cCtx *cli.Context) (interfaces.Ledger, uint64, error) {
	log := app.log
	startBlock := cCtx.Uint64(flagStartBlock.Name)

	key, err := signerKey(cCtx.String(flags.SignerKeyFlag.Name), cCtx.Bool(flagDevLedger.Name))
	if err != nil {
		log.Error("Invalid signer key", "err", err)
		return nil, 0, err
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	if cCtx.Bool(flagDevLedger.Name) {
		log.Warn("Using in-process ledger, anchors are lost on restart", "signer", signer.Hex())
		return registry.NewMemoryLedger(signer, crypto.CreateAddress(signer, 0)), 0, nil
	}

	documentsAddr, err := contractAddress(cCtx, flags.DocumentRegistryFlag)
	if err != nil {
		return nil, 0, err
	}
	accessAddr, err := contractAddress(cCtx, flags.AccessControlFlag)
	if err != nil {
		return nil, 0, err
	}

	rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)
	log.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.DialContext(ctx, rpcAddress)
	if err != nil {
		log.Error("Failed to dial RPC", "err", err)
		return nil, 0, err
	}
	app.closers = append(app.closers, ethClient.Close)

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		log.Error("Failed to read chain id", "err", err)
		return nil, 0, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		log.Error("Failed to create transactor", "err", err)
		return nil, 0, err
	}

	ledger := registry.NewOnchainLedger(ethClient, documentsAddr, accessAddr, log)
	ledger.SetTransactOpts(opts)
	ledger.SetStartBlock(startBlock)
	log.Info("Connected to ledger",
		"chainId", chainID.String(),
		"signer", signer.Hex(),
		"documentRegistry", documentsAddr.Hex(),
		"accessControl", accessAddr.Hex())
	return ledger, startBlock, nil
}

// signerKey parses the configured key. The in-process ledger accepts a
// missing key and generates one.
func signerKey(hexKey string, dev bool) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		if !dev {
			return nil, errors.New("signer-key is required")
		}
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

func contractAddress(cCtx *cli.Context, flag *cli.StringFlag) (ethcommon.Address, error) {
	raw := cCtx.String(flag.Name)
	if !ethcommon.IsHexAddress(raw) {
		return ethcommon.Address{}, fmt.Errorf("%s: invalid contract address %q", flag.Name, raw)
	}
	addr := ethcommon.HexToAddress(raw)
	if addr == (ethcommon.Address{}) {
		return ethcommon.Address{}, fmt.Errorf("%s is required", flag.Name)
	}
	return addr, nil
}

func (app *registryApp) openStores(ctx context.Context, cCtx *cli.Context) (interfaces.DocumentStore, consent.Store, error) {
	log := app.log
	url := cCtx.String(flagDatabaseURL.Name)
	if url == "" {
		log.Warn("No database configured, keeping records in memory")
		return docstore.NewMemoryStore(), consent.NewMemoryStore(), nil
	}

	dbCfg := docstore.DefaultDBConfig()
	dbCfg.URL = url
	db, err := docstore.OpenDB(ctx, dbCfg)
	if err != nil {
		log.Error("Failed to open database", "err", err)
		return nil, nil, err
	}
	app.closers = append(app.closers, func() { _ = db.Close() })

	docs := docstore.NewPostgresStore(db)
	if err := docs.Migrate(ctx); err != nil {
		log.Error("Failed to migrate document store", "err", err)
		return nil, nil, err
	}
	consentStore := consent.NewPostgresStore(db)
	if err := consentStore.Migrate(ctx); err != nil {
		log.Error("Failed to migrate consent store", "err", err)
		return nil, nil, err
	}
	return docs, consentStore, nil
}

func openKeyCustody(cCtx *cli.Context, log *slog.Logger) (interfaces.KeyCustody, error) {
	if addr := cCtx.String(flagVaultAddr.Name); addr != "" {
		keys, err := storage.NewVaultKeyCustody(addr,
			cCtx.String(flagVaultToken.Name),
			cCtx.String(flagVaultMount.Name),
			cCtx.String(flagVaultPath.Name),
			log)
		if err != nil {
			log.Error("Failed to create Vault key custody", "err", err)
			return nil, err
		}
		log.Info("Document keys kept in Vault", "address", addr)
		return keys, nil
	}

	raw := cCtx.String(flagMasterKey.Name)
	var masterKey []byte
	switch {
	case raw != "":
		key, err := cryptoutils.ParseKey(raw)
		if err != nil {
			log.Error("Invalid master key", "err", err)
			return nil, err
		}
		masterKey = key
	case cCtx.Bool(flagDevLedger.Name):
		log.Warn("No master key configured, generating an ephemeral one")
		masterKey = make([]byte, cryptoutils.KeySize)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("either vault-addr or master-key is required")
	}

	keys, err := storage.NewWrappedKeyCustody(masterKey)
	if err != nil {
		log.Error("Failed to create key custody", "err", err)
		return nil, err
	}
	return keys, nil
}

func (app *registryApp) openChallengeStore(ctx context.Context, cCtx *cli.Context) (auth.ChallengeStore, error) {
	url := cCtx.String(flagRedisURL.Name)
	if url == "" {
		return auth.NewMemoryChallengeStore(), nil
	}
	client, err := auth.NewRedisClient(ctx, url)
	if err != nil {
		app.log.Error("Failed to connect to Redis", "err", err)
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = client.Close() })
	return auth.NewRedisChallengeStore(client), nil
}

func (app *registryApp) runBackground(ctx context.Context, cCtx *cli.Context) {
	app.loop(func() { app.syncer.Run(ctx, cCtx.Duration(flagRoleSyncInterval.Name)) })

	if interval := cCtx.Duration(flagReconcileInterval.Name); interval > 0 {
		app.loop(func() { app.reconciler.Run(ctx, interval) })
	}
	if interval := cCtx.Duration(flagRetentionInterval.Name); interval > 0 {
		app.loop(func() { app.sweeper.Run(ctx, interval) })
	}
}

func (app *registryApp) loop(fn func()) {
	app.loops.Add(1)
	go func() {
		defer app.loops.Done()
		fn()
	}()
}

// wait blocks until the background loops have returned and every detached
// registration has finished writing its outcome.
func (app *registryApp) wait() {
	app.loops.Wait()
	app.pipeline.Wait()
}

func (app *registryApp) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	app.closers = nil
}
