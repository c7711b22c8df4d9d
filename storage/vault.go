package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/credential-registry/cryptoutils"
	"github.com/ruteri/credential-registry/interfaces"
)

const vaultKeyField = "key"

// VaultKeyCustody keeps document keys in a HashiCorp Vault KV v2 mount at
// <mount>/<path>/<document hash>. The sealed value persisted in the document
// record is only a reference to that location.
type VaultKeyCustody struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultKeyCustody creates a Vault-backed key custody using token authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with write and delete-metadata capability on the data path
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "credential-registry/keys")
func NewVaultKeyCustody(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultKeyCustody, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeyCustody{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func (v *VaultKeyCustody) SealKey(ctx context.Context, hash interfaces.DocumentHash, key interfaces.DocumentKey) ([]byte, error) {
	p := v.secretPath(hash)
	_, err := v.client.KVv2(v.mountPath).Put(ctx, p, map[string]interface{}{
		vaultKeyField: hex.EncodeToString(key.Bytes()),
	})
	if err != nil {
		v.log.Error("Failed to write key to Vault",
			slog.String("path", p),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return []byte("vault:" + v.mountPath + "/" + p), nil
}

func (v *VaultKeyCustody) OpenKey(ctx context.Context, hash interfaces.DocumentHash, sealed []byte) (interfaces.DocumentKey, error) {
	if len(sealed) == 0 {
		return interfaces.DocumentKey{}, interfaces.ErrKeyDestroyed
	}

	p := v.secretPath(hash)
	secret, err := v.client.KVv2(v.mountPath).Get(ctx, p)
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return interfaces.DocumentKey{}, interfaces.ErrKeyDestroyed
		}
		return interfaces.DocumentKey{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data[vaultKeyField].(string)
	if !ok {
		return interfaces.DocumentKey{}, fmt.Errorf("key field not found in Vault data at %s", p)
	}
	raw, err := cryptoutils.ParseKey(encoded)
	if err != nil {
		return interfaces.DocumentKey{}, err
	}

	var key interfaces.DocumentKey
	copy(key[:], raw)
	return key, nil
}

// DestroyKey deletes every version of the key together with its metadata.
func (v *VaultKeyCustody) DestroyKey(ctx context.Context, hash interfaces.DocumentHash) error {
	p := v.secretPath(hash)
	if err := v.client.KVv2(v.mountPath).DeleteMetadata(ctx, p); err != nil {
		return fmt.Errorf("failed to destroy key at %s: %w", p, err)
	}
	v.log.Info("Destroyed document key", slog.String("documentHash", hash.String()))
	return nil
}

func (v *VaultKeyCustody) Name() string {
	return fmt.Sprintf("vault-%s-%s", v.mountPath, v.dataPath)
}

// Available checks that Vault is initialized and unsealed.
func (v *VaultKeyCustody) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		v.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (v *VaultKeyCustody) secretPath(hash interfaces.DocumentHash) string {
	if v.dataPath == "" {
		return hash.String()
	}
	return v.dataPath + "/" + hash.String()
}

// WrappedKeyCustody wraps document keys under a master key. The wrapped blob
// lives in the document record itself, so destroying the key means clearing
// that column, which callers do in the same update that anonymizes the record.
type WrappedKeyCustody struct {
	masterKey []byte
}

// NewWrappedKeyCustody creates a custody around a master key of at least 32 bytes.
func NewWrappedKeyCustody(masterKey []byte) (*WrappedKeyCustody, error) {
	if len(masterKey) < cryptoutils.KeySize {
		return nil, cryptoutils.ErrInvalidKey
	}
	return &WrappedKeyCustody{masterKey: append([]byte(nil), masterKey...)}, nil
}

func (w *WrappedKeyCustody) SealKey(_ context.Context, hash interfaces.DocumentHash, key interfaces.DocumentKey) ([]byte, error) {
	return cryptoutils.WrapKey(w.masterKey, hash, key)
}

func (w *WrappedKeyCustody) OpenKey(_ context.Context, hash interfaces.DocumentHash, sealed []byte) (interfaces.DocumentKey, error) {
	if len(sealed) == 0 {
		return interfaces.DocumentKey{}, interfaces.ErrKeyDestroyed
	}
	return cryptoutils.UnwrapKey(w.masterKey, hash, sealed)
}

func (w *WrappedKeyCustody) DestroyKey(context.Context, interfaces.DocumentHash) error {
	return nil
}

func (w *WrappedKeyCustody) Name() string {
	return "wrapped"
}
