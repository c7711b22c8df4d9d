package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// MirroredStore writes to a primary object store and best-effort to any number
// of mirrors. The primary decides the CID recorded on the ledger; a mirror
// failure is logged and never fails the write.
type MirroredStore struct {
	primary interfaces.ObjectStore
	mirrors []interfaces.ObjectStore
	log     *slog.Logger
}

// NewMirroredStore creates a mirrored store. With no mirrors it behaves exactly like primary.
func NewMirroredStore(primary interfaces.ObjectStore, mirrors []interfaces.ObjectStore, logger *slog.Logger) *MirroredStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MirroredStore{
		primary: primary,
		mirrors: mirrors,
		log:     logger,
	}
}

// Put stores data on the primary, then on every mirror.
func (m *MirroredStore) Put(ctx context.Context, data []byte) (string, error) {
	start := time.Now()

	cid, err := m.primary.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", m.primary.Name(), err)
	}

	for _, mirror := range m.mirrors {
		mirrorCID, err := mirror.Put(ctx, data)
		if err != nil {
			m.log.Warn("Failed to mirror content",
				slog.String("backend_name", mirror.Name()),
				slog.String("cid", cid),
				"err", err)
			continue
		}
		if mirrorCID != cid {
			// Same bytes must produce the same CID on every store
			m.log.Warn("Inconsistent CIDs from backends",
				slog.String("backend_name", mirror.Name()),
				slog.String("expected_cid", cid),
				slog.String("actual_cid", mirrorCID))
		}
	}

	m.log.Debug("Stored content",
		slog.String("backend_name", m.primary.Name()),
		slog.String("cid", cid),
		slog.Int("mirrors", len(m.mirrors)),
		slog.Duration("duration", time.Since(start)))

	return cid, nil
}

// Get reads from the primary and falls back to mirrors in order.
func (m *MirroredStore) Get(ctx context.Context, cid string) ([]byte, error) {
	var errs []error

	for _, backend := range m.all() {
		data, err := backend.Get(ctx, cid)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("cid", cid),
			"err", err)
	}

	m.log.Error("All backends failed to fetch content",
		slog.String("cid", cid),
		slog.Int("failed_backends", len(errs)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", cid, errs[0])
}

func (m *MirroredStore) Pin(ctx context.Context, cid string) error {
	if err := m.primary.Pin(ctx, cid); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Pin(ctx, cid); err != nil {
			m.log.Debug("Mirror pin failed", slog.String("backend_name", mirror.Name()), "err", err)
		}
	}
	return nil
}

func (m *MirroredStore) Unpin(ctx context.Context, cid string) error {
	err := m.primary.Unpin(ctx, cid)
	for _, mirror := range m.mirrors {
		if merr := mirror.Unpin(ctx, cid); merr != nil {
			m.log.Debug("Mirror unpin failed", slog.String("backend_name", mirror.Name()), "err", merr)
		}
	}
	return err
}

// Available reports whether the primary is available. Mirrors do not count:
// a write cannot succeed without the primary.
func (m *MirroredStore) Available(ctx context.Context) bool {
	return m.primary.Available(ctx)
}

func (m *MirroredStore) Name() string {
	return m.primary.Name()
}

func (m *MirroredStore) all() []interfaces.ObjectStore {
	return append([]interfaces.ObjectStore{m.primary}, m.mirrors...)
}
