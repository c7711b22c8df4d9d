package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// Factory creates object stores from URI strings and assembles the mirrored
// store used by the registration pipeline.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// ObjectStoreFor creates an object store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - ipfs:// - IPFS node HTTP API
//   - s3:// - Amazon S3 or compatible object storage (mirror only)
//   - memory:// - In-process store for development and tests
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *Factory) ObjectStoreFor(locationURI string) (interfaces.ObjectStore, error) {
	loc, err := interfaces.NewStorageLocation(locationURI)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(loc.Scheme) {
	case "ipfs":
		return sf.createIPFSStore(loc)
	case "s3":
		return sf.createS3Store(loc)
	case "memory":
		return NewMemoryStore("memory-"+loc.Host, sf.log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// MirroredStoreFor creates the primary store and every mirror. An invalid
// mirror URI is logged and skipped; an invalid primary is an error.
func (sf *Factory) MirroredStoreFor(primaryURI string, mirrorURIs []string) (interfaces.ObjectStore, error) {
	if strings.HasPrefix(primaryURI, "s3://") {
		return nil, fmt.Errorf("%w: s3 can only be used as a mirror", interfaces.ErrInvalidLocationURI)
	}
	primary, err := sf.ObjectStoreFor(primaryURI)
	if err != nil {
		return nil, fmt.Errorf("primary object store: %w", err)
	}

	mirrors := make([]interfaces.ObjectStore, 0, len(mirrorURIs))
	for _, uri := range mirrorURIs {
		mirror, err := sf.ObjectStoreFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create mirror store",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		mirrors = append(mirrors, mirror)
	}

	if len(mirrors) == 0 {
		return primary, nil
	}
	return NewMirroredStore(primary, mirrors, sf.log), nil
}

// createIPFSStore creates an IPFS store.
// URI format: ipfs://host:port/?timeout=30s
func (sf *Factory) createIPFSStore(loc interfaces.StorageLocation) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating IPFS store", slog.String("uri", loc.String()))

	host, port := loc.Host, "5001"
	if i := strings.LastIndex(loc.Host, ":"); i >= 0 {
		host, port = loc.Host[:i], loc.Host[i+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}

	return NewIPFSStore(host, port, timeout, sf.log), nil
}

// createS3Store creates an S3 or S3-compatible mirror.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *Factory) createS3Store(loc interfaces.StorageLocation) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("bucket", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != nil {
		accessKey = loc.Auth.Username()
		secretKey, _ = loc.Auth.Password()
	}

	return NewS3Store(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}
