package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/credential-registry/interfaces"
)

// IPFSStore stores document ciphertext on an IPFS node through its HTTP API.
// Content is added with pinning enabled and CIDv0 identifiers.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates a new IPFS store connected to the node API at host:port.
// timeout bounds every HTTP request to the node in addition to context deadlines.
func NewIPFSStore(host, port string, timeout time.Duration, log *slog.Logger) *IPFSStore {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSStore{
		shell:       shell.NewShellWithClient(apiURL, &http.Client{Timeout: timeout}),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
	}
}

// Put adds data to IPFS, pinned, and returns its CID.
// Returns ErrBackendUnavailable if the IPFS node is not accessible.
func (b *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	start := time.Now()

	type addResult struct {
		cid string
		err error
	}
	done := make(chan addResult, 1)
	go func() {
		cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true), shell.CidVersion(0))
		done <- addResult{cid, err}
	}()

	var res addResult
	select {
	case res = <-done:
	case <-ctx.Done():
		b.log.Warn("IPFS add abandoned",
			slog.String("host", b.host),
			"err", ctx.Err(),
			slog.Duration("duration", time.Since(start)))
		return "", ctx.Err()
	}

	if res.err != nil {
		b.log.Error("Failed to add data to IPFS",
			slog.String("host", b.host),
			"err", res.err,
			slog.Duration("duration", time.Since(start)))
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, res.err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("cid", res.cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return res.cid, nil
}

// Get retrieves data from IPFS by CID.
// Returns ErrContentNotFound if the node cannot resolve the content.
func (b *IPFSStore) Get(ctx context.Context, cid string) ([]byte, error) {
	start := time.Now()

	resp, err := b.shell.Request("cat", cid).Send(ctx)
	if err != nil {
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", cid),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Close()

	if resp.Error != nil {
		if strings.Contains(resp.Error.Message, "not found") || strings.Contains(resp.Error.Message, "no link named") {
			b.log.Debug("Content not found in IPFS", slog.String("cid", cid))
			return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, cid)
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %s", resp.Error.Message)
	}

	data, err := io.ReadAll(resp.Output)
	if err != nil {
		b.log.Error("Failed to read data from IPFS",
			slog.String("cid", cid),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (b *IPFSStore) Pin(ctx context.Context, cid string) error {
	if err := b.shell.Request("pin/add", cid).Exec(ctx, nil); err != nil {
		return fmt.Errorf("failed to pin %s: %w", cid, err)
	}
	return nil
}

func (b *IPFSStore) Unpin(ctx context.Context, cid string) error {
	if err := b.shell.Request("pin/rm", cid).Exec(ctx, nil); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", cid, err)
	}
	b.log.Info("Unpinned content from IPFS", slog.String("cid", cid))
	return nil
}

// Available checks if the IPFS node API answers.
func (b *IPFSStore) Available(ctx context.Context) bool {
	var version struct {
		Version string
	}
	if err := b.shell.Request("version").Exec(ctx, &version); err != nil {
		b.log.Debug("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (b *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this store.
func (b *IPFSStore) LocationURI() string {
	return b.locationURI
}
