package roles

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// EventSource yields AccessControl role events in ledger order.
type EventSource interface {
	RoleEvents(ctx context.Context, fromBlock uint64) ([]interfaces.RoleEvent, uint64, error)
}

// Syncer feeds the cache from ledger role events.
type Syncer struct {
	source  EventSource
	cache   *Cache
	log     *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	fromBlock uint64
	onApplied func(n int)
}

// NewSyncer creates a syncer that starts polling at fromBlock.
func NewSyncer(source EventSource, cache *Cache, fromBlock uint64, log *slog.Logger) *Syncer {
	return &Syncer{
		source:    source,
		cache:     cache,
		log:       log,
		timeout:   30 * time.Second,
		fromBlock: fromBlock,
	}
}

// OnApplied registers a callback receiving the number of events applied per poll.
func (s *Syncer) OnApplied(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApplied = fn
}

// NextBlock returns the block the next poll starts from.
func (s *Syncer) NextBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromBlock
}

// SyncOnce polls the ledger once and applies new events.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	events, next, err := s.source.RoleEvents(ctx, s.fromBlock)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })

	applied := s.cache.Apply(events)
	if next > s.fromBlock {
		s.fromBlock = next
	}
	if s.onApplied != nil {
		s.onApplied(applied)
	}
	if applied > 0 {
		s.log.Debug("Applied role events", slog.Int("applied", applied), slog.Uint64("nextBlock", s.fromBlock))
	}
	return applied, nil
}

// Run polls every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.SyncOnce(ctx); err != nil {
		s.log.Warn("Initial role sync failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				s.log.Warn("Role sync failed", "err", err, slog.Uint64("fromBlock", s.NextBlock()))
			}
		}
	}
}
