package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/credential-registry/auth"
	"github.com/ruteri/credential-registry/consent"
	"github.com/ruteri/credential-registry/httpserver"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/pipeline"
)

// AdminClient performs role administration and maintenance runs on behalf
// of an administrator wallet.
type AdminClient struct {
	*RegistryClient
	privateKey *ecdsa.PrivateKey
}

// NewAdminClient creates an admin client. privateKey signs the wallet login
// challenge and may be nil when a token is set with SetToken.
func NewAdminClient(baseURL string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	return &AdminClient{
		RegistryClient: NewRegistryClient(baseURL, timeout...),
		privateKey:     privateKey,
	}
}

// Address returns the wallet address of the signing key.
func (c *AdminClient) Address() interfaces.Address {
	if c.privateKey == nil {
		return interfaces.ZeroAddress
	}
	return crypto.PubkeyToAddress(c.privateKey.PublicKey)
}

// Login requests a challenge, answers it with a personal_sign signature and
// keeps the issued token for later calls.
func (c *AdminClient) Login(ctx context.Context) (*auth.LoginResult, error) {
	if c.privateKey == nil {
		return nil, errors.New("login requires a private key")
	}
	address := c.Address().Hex()

	var challenge auth.Challenge
	if err := c.do(ctx, http.MethodPost, "/api/auth/challenge", httpserver.ChallengeRequest{Address: address}, &challenge); err != nil {
		return nil, fmt.Errorf("challenge request failed: %w", err)
	}

	sig, err := SignMessage(challenge.Message, c.privateKey)
	if err != nil {
		return nil, err
	}

	var res auth.LoginResult
	login := httpserver.LoginRequest{Address: address, Signature: sig}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", login, &res); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	c.SetToken(res.Token)
	return &res, nil
}

func (c *AdminClient) AssignRole(ctx context.Context, user interfaces.Address, role interfaces.Role) (*httpserver.TxResponse, error) {
	var tx httpserver.TxResponse
	body := httpserver.AssignRoleRequest{Address: user, Role: role}
	if err := c.do(ctx, http.MethodPost, "/api/admin/roles", body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *AdminClient) BatchAssignRoles(ctx context.Context, users []interfaces.Address, roles []interfaces.Role) (*httpserver.TxResponse, error) {
	var tx httpserver.TxResponse
	body := httpserver.BatchAssignRequest{Users: users, Roles: roles}
	if err := c.do(ctx, http.MethodPost, "/api/admin/roles/batch", body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *AdminClient) RevokeRole(ctx context.Context, user interfaces.Address) (*httpserver.TxResponse, error) {
	var tx httpserver.TxResponse
	if err := c.do(ctx, http.MethodDelete, "/api/admin/roles/"+user.Hex(), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *AdminClient) TransferAdmin(ctx context.Context, newAdmin interfaces.Address) (*httpserver.TxResponse, error) {
	var tx httpserver.TxResponse
	if err := c.do(ctx, http.MethodPost, "/api/admin/transfer", httpserver.TransferAdminRequest{NewAdmin: newAdmin}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Reconcile runs one reconciliation pass over stuck registrations.
func (c *AdminClient) Reconcile(ctx context.Context) (*pipeline.ReconcileReport, error) {
	var report pipeline.ReconcileReport
	if err := c.do(ctx, http.MethodPost, "/api/admin/reconcile", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RetentionSweep runs the retention check once.
func (c *AdminClient) RetentionSweep(ctx context.Context) (*consent.RetentionReport, error) {
	var report consent.RetentionReport
	if err := c.do(ctx, http.MethodPost, "/api/admin/retention", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ProcessRetentionRequest carries out a deletion request opened by the
// retention sweep.
func (c *AdminClient) ProcessRetentionRequest(ctx context.Context, id string) (*consent.DeletionRequest, error) {
	var req consent.DeletionRequest
	if err := c.do(ctx, http.MethodPost, "/api/admin/retention/"+url.PathEscape(id)+"/process", nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SignMessage produces an EIP-191 personal_sign signature, hex encoded with
// a 27/28 recovery id.
func SignMessage(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
