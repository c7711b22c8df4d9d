package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/credential-registry/cmd/flags"
	"github.com/ruteri/credential-registry/consent"
)

var (
	flagDevLedger = &cli.BoolFlag{
		Name:    "dev-ledger",
		Usage:   "use an in-process ledger instead of the contracts behind --rpc-addr",
		EnvVars: []string{"CREDREG_DEV_LEDGER"},
	}
	flagStartBlock = &cli.Uint64Flag{
		Name:    "start-block",
		Usage:   "first block scanned for registration and role events, usually the deployment block",
		EnvVars: []string{"CREDREG_START_BLOCK"},
	}
	flagDatabaseURL = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "PostgreSQL connection string; records are kept in memory when empty",
		EnvVars: []string{"CREDREG_DATABASE_URL"},
	}
	flagObjectStore = &cli.StringFlag{
		Name:    "object-store",
		Value:   "memory://local",
		Usage:   "primary object store URI (ipfs://host:port or memory://name)",
		EnvVars: []string{"CREDREG_OBJECT_STORE"},
	}
	flagMirrors = &cli.StringSliceFlag{
		Name:    "mirror",
		Usage:   "additional object store URI receiving copies of every upload (s3://bucket/prefix?region=...)",
		EnvVars: []string{"CREDREG_MIRRORS"},
	}
	flagMasterKey = &cli.StringFlag{
		Name:    "master-key",
		Usage:   "hex-encoded 32-byte key wrapping document keys in the record store",
		EnvVars: []string{"CREDREG_MASTER_KEY"},
	}
	flagVaultAddr = &cli.StringFlag{
		Name:    "vault-addr",
		Usage:   "HashiCorp Vault address; takes precedence over --master-key",
		EnvVars: []string{"CREDREG_VAULT_ADDR"},
	}
	flagVaultToken = &cli.StringFlag{
		Name:    "vault-token",
		Usage:   "Vault token",
		EnvVars: []string{"CREDREG_VAULT_TOKEN", "VAULT_TOKEN"},
	}
	flagVaultMount = &cli.StringFlag{
		Name:    "vault-mount",
		Value:   "secret",
		Usage:   "Vault KV v2 mount",
		EnvVars: []string{"CREDREG_VAULT_MOUNT"},
	}
	flagVaultPath = &cli.StringFlag{
		Name:    "vault-path",
		Value:   "credential-registry/keys",
		Usage:   "path within the Vault mount",
		EnvVars: []string{"CREDREG_VAULT_PATH"},
	}
	flagRedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL for login challenges; kept in memory when empty",
		EnvVars: []string{"CREDREG_REDIS_URL"},
	}
	flagJWTSecret = &cli.StringFlag{
		Name:     "jwt-secret",
		Usage:    "HMAC secret for access tokens, at least 32 bytes",
		EnvVars:  []string{"CREDREG_JWT_SECRET"},
		Required: true,
	}
	flagTokenTTL = &cli.DurationFlag{
		Name:    "token-ttl",
		Value:   24 * time.Hour,
		Usage:   "access token lifetime",
		EnvVars: []string{"CREDREG_TOKEN_TTL"},
	}
	flagVerifyBaseURL = &cli.StringFlag{
		Name:    "verify-base-url",
		Value:   "http://127.0.0.1:8080/verify",
		Usage:   "base URL encoded in verification QR codes",
		EnvVars: []string{"CREDREG_VERIFY_BASE_URL"},
	}
	flagExplorerURL = &cli.StringFlag{
		Name:    "explorer-url",
		Value:   "https://etherscan.io",
		Usage:   "block explorer base URL for transaction links",
		EnvVars: []string{"CREDREG_EXPLORER_URL"},
	}
	flagProduction = &cli.BoolFlag{
		Name:    "production",
		Usage:   "hide error details from API responses",
		EnvVars: []string{"CREDREG_PRODUCTION"},
	}
	flagRoleSyncInterval = &cli.DurationFlag{
		Name:    "role-sync-interval",
		Value:   15 * time.Second,
		Usage:   "how often role events are read from the ledger",
		EnvVars: []string{"CREDREG_ROLE_SYNC_INTERVAL"},
	}
	flagReconcileInterval = &cli.DurationFlag{
		Name:    "reconcile-interval",
		Value:   time.Minute,
		Usage:   "how often stuck registrations are reconciled against the ledger; 0 disables",
		EnvVars: []string{"CREDREG_RECONCILE_INTERVAL"},
	}
	flagRetentionInterval = &cli.DurationFlag{
		Name:    "retention-interval",
		Value:   time.Hour,
		Usage:   "how often expired consents are swept; 0 disables",
		EnvVars: []string{"CREDREG_RETENTION_INTERVAL"},
	}
	flagRetentionRequestTTL = &cli.DurationFlag{
		Name:    "retention-request-ttl",
		Value:   consent.DefaultConfig().RetentionRequestTTL,
		Usage:   "how long a request opened by the retention sweep waits for an administrator",
		EnvVars: []string{"CREDREG_RETENTION_REQUEST_TTL"},
	}
)

var serverFlags = append([]cli.Flag{
	flags.RpcAddrFlag,
	flags.ListenAddrFlag,
	flags.DocumentRegistryFlag,
	flags.AccessControlFlag,
	flags.SignerKeyFlag,
	flags.LogServiceFlagFn("credential-registry"),
	flagDevLedger,
	flagStartBlock,
	flagDatabaseURL,
	flagObjectStore,
	flagMirrors,
	flagMasterKey,
	flagVaultAddr,
	flagVaultToken,
	flagVaultMount,
	flagVaultPath,
	flagRedisURL,
	flagJWTSecret,
	flagTokenTTL,
	flagVerifyBaseURL,
	flagExplorerURL,
	flagProduction,
	flagRoleSyncInterval,
	flagReconcileInterval,
	flagRetentionInterval,
	flagRetentionRequestTTL,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "credential-registry",
		Usage:  "Serve the academic credential registry API",
		Flags:  serverFlags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	app, err := setup(ctx, cCtx, logger)
	if err != nil {
		return err
	}
	defer app.close()

	app.runBackground(ctx, cCtx)
	app.server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	sig := <-exit
	logger.Info("Shutting down", "signal", sig.String())

	app.server.Shutdown()
	cancel()
	app.wait()

	logger.Info("Server stopped")
	return nil
}
