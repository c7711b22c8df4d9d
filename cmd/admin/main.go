package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/credential-registry/auth"
	"github.com/ruteri/credential-registry/clients"
	"github.com/ruteri/credential-registry/interfaces"
)

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "registry API base URL",
	EnvVars: []string{"CREDREG_SERVER"},
}
var flagAdminKeyFile = &cli.StringFlag{
	Name:    "admin-key-file",
	Usage:   "file with the hex-encoded administrator wallet key",
	EnvVars: []string{"CREDREG_ADMIN_KEY_FILE"},
}
var flagToken = &cli.StringFlag{
	Name:    "token",
	Usage:   "bearer token to use instead of wallet login",
	EnvVars: []string{"CREDREG_TOKEN"},
}
var flagAddress = &cli.StringFlag{
	Name:     "address",
	Usage:    "wallet address",
	Required: true,
}
var flagRole = &cli.StringFlag{
	Name:     "role",
	Usage:    "STUDENT, VERIFIER, ISSUER or ADMIN",
	Required: true,
}
var flagAssignments = &cli.StringSliceFlag{
	Name:     "assign",
	Usage:    "address=ROLE pair, repeatable",
	Required: true,
}
var flagHash = &cli.StringFlag{
	Name:     "hash",
	Usage:    "document hash, hex",
	Required: true,
}
var flagRequestID = &cli.StringFlag{
	Name:     "id",
	Usage:    "deletion request id from a retention sweep report",
	Required: true,
}
var flagJWTSecret = &cli.StringFlag{
	Name:     "jwt-secret",
	Usage:    "HMAC secret configured on the server",
	EnvVars:  []string{"CREDREG_JWT_SECRET"},
	Required: true,
}
var flagTokenTTL = &cli.DurationFlag{
	Name:  "ttl",
	Value: time.Hour,
	Usage: "token lifetime",
}

var connFlags = []cli.Flag{flagServer, flagAdminKeyFile, flagToken}

func main() {
	app := &cli.App{
		Name:  "credential-registry-admin",
		Usage: "Administer roles and maintenance runs of a credential registry",
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "log in with the admin wallet key and print the token",
				Flags:  connFlags,
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) { return c.Login(ctx) }),
			},
			{
				Name:  "assign",
				Usage: "assign a role to a wallet",
				Flags: append([]cli.Flag{flagAddress, flagRole}, connFlags...),
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) {
					user, err := interfaces.ParseAddress(cCtx.String(flagAddress.Name))
					if err != nil {
						return nil, err
					}
					role, err := interfaces.ParseRole(cCtx.String(flagRole.Name))
					if err != nil {
						return nil, err
					}
					return c.AssignRole(ctx, user, role)
				}),
			},
			{
				Name:  "batch",
				Usage: "assign several roles in one transaction",
				Flags: append([]cli.Flag{flagAssignments}, connFlags...),
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) {
					users, roles, err := parseAssignments(cCtx.StringSlice(flagAssignments.Name))
					if err != nil {
						return nil, err
					}
					return c.BatchAssignRoles(ctx, users, roles)
				}),
			},
			{
				Name:  "revoke",
				Usage: "remove the role of a wallet",
				Flags: append([]cli.Flag{flagAddress}, connFlags...),
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) {
					user, err := interfaces.ParseAddress(cCtx.String(flagAddress.Name))
					if err != nil {
						return nil, err
					}
					return c.RevokeRole(ctx, user)
				}),
			},
			{
				Name:  "transfer",
				Usage: "hand the contract admin role to another wallet",
				Flags: append([]cli.Flag{flagAddress}, connFlags...),
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) {
					newAdmin, err := interfaces.ParseAddress(cCtx.String(flagAddress.Name))
					if err != nil {
						return nil, err
					}
					return c.TransferAdmin(ctx, newAdmin)
				}),
			},
			{
				Name:   "reconcile",
				Usage:  "run one reconciliation pass over stuck registrations",
				Flags:  connFlags,
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) { return c.Reconcile(ctx) }),
			},
			{
				Name:   "retention",
				Usage:  "run the consent retention sweep",
				Flags:  connFlags,
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) { return c.RetentionSweep(ctx) }),
			},
			{
				Name:  "retention-process",
				Usage: "carry out a deletion request opened by the retention sweep",
				Flags: append([]cli.Flag{flagRequestID}, connFlags...),
				Action: withAdmin(func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error) {
					return c.ProcessRetentionRequest(ctx, cCtx.String(flagRequestID.Name))
				}),
			},
			{
				Name:  "health",
				Usage: "print subsystem health",
				Flags: []cli.Flag{flagServer},
				Action: func(cCtx *cli.Context) error {
					health, err := clients.NewRegistryClient(cCtx.String(flagServer.Name)).Health(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(health)
				},
			},
			{
				Name:  "verify",
				Usage: "verify a document hash",
				Flags: []cli.Flag{flagServer, flagHash},
				Action: func(cCtx *cli.Context) error {
					hash, err := interfaces.ParseDocumentHash(cCtx.String(flagHash.Name))
					if err != nil {
						return err
					}
					v, err := clients.NewRegistryClient(cCtx.String(flagServer.Name)).Verify(cCtx.Context, hash)
					if err != nil {
						return err
					}
					return printJSON(v)
				},
			},
			{
				Name:        "mint-token",
				Usage:       "issue an access token offline",
				Description: "Signs a token with the server's secret. The server still resolves the role from its cache.",
				Flags:       []cli.Flag{flagJWTSecret, flagAddress, flagRole, flagTokenTTL},
				Action: func(cCtx *cli.Context) error {
					party, err := interfaces.ParseAddress(cCtx.String(flagAddress.Name))
					if err != nil {
						return err
					}
					role, err := interfaces.ParseRole(cCtx.String(flagRole.Name))
					if err != nil {
						return err
					}
					tokens, err := auth.NewTokenService([]byte(cCtx.String(flagJWTSecret.Name)), auth.DefaultConfig().Issuer, cCtx.Duration(flagTokenTTL.Name))
					if err != nil {
						return err
					}
					token, expiresAt, err := tokens.Issue(party, role)
					if err != nil {
						return err
					}
					return printJSON(map[string]any{"token": token, "expiresAt": expiresAt})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type adminAction func(ctx context.Context, cCtx *cli.Context, c *clients.AdminClient) (any, error)

// withAdmin builds an authenticated client, runs fn and prints its result.
func withAdmin(fn adminAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		var key *ecdsa.PrivateKey
		if path := cCtx.String(flagAdminKeyFile.Name); path != "" {
			k, err := crypto.LoadECDSA(path)
			if err != nil {
				return fmt.Errorf("failed to load admin key: %w", err)
			}
			key = k
		}

		client := clients.NewAdminClient(cCtx.String(flagServer.Name), key)
		ctx := cCtx.Context
		switch {
		case cCtx.String(flagToken.Name) != "":
			client.SetToken(cCtx.String(flagToken.Name))
		case key != nil:
			if cCtx.Command.Name != "login" {
				if _, err := client.Login(ctx); err != nil {
					return err
				}
			}
		default:
			return errors.New("either --admin-key-file or --token is required")
		}

		res, err := fn(ctx, cCtx, client)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
}

func parseAssignments(pairs []string) ([]interfaces.Address, []interfaces.Role, error) {
	users := make([]interfaces.Address, 0, len(pairs))
	roles := make([]interfaces.Role, 0, len(pairs))
	for _, pair := range pairs {
		addr, roleName, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, nil, fmt.Errorf("invalid assignment %q, expected address=ROLE", pair)
		}
		user, err := interfaces.ParseAddress(addr)
		if err != nil {
			return nil, nil, err
		}
		role, err := interfaces.ParseRole(roleName)
		if err != nil {
			return nil, nil, err
		}
		users = append(users, user)
		roles = append(roles, role)
	}
	return users, roles, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
