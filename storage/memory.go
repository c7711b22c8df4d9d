package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// MemoryStore is an in-process content-addressed store. Identifiers are real
// CIDv0 values so records produced in development mode look like production ones.
// It supports fault injection for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	pinned   map[string]bool
	failPuts []error
	putDelay time.Duration
	down     bool
	putCalls int
	unpinned []string
	name     string
	log      *slog.Logger
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore(name string, log *slog.Logger) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	if name == "" {
		name = "memory"
	}
	return &MemoryStore{
		objects: make(map[string][]byte),
		pinned:  make(map[string]bool),
		name:    name,
		log:     log,
	}
}

// FailPuts makes the next len(errs) Put calls return the given errors in order.
func (s *MemoryStore) FailPuts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = append(s.failPuts, errs...)
}

// SetPutDelay delays every Put by d, honouring context cancellation.
func (s *MemoryStore) SetPutDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDelay = d
}

// SetAvailable toggles availability. An unavailable store fails every call.
func (s *MemoryStore) SetAvailable(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = !up
}

// PutCalls returns the number of Put attempts, including failed ones.
func (s *MemoryStore) PutCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.putCalls
}

// Unpinned returns the identifiers released with Unpin, in call order.
func (s *MemoryStore) Unpinned() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.unpinned...)
}

// IsPinned reports whether cid is currently pinned.
func (s *MemoryStore) IsPinned(cid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[cid]
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	s.putCalls++
	delay := s.putDelay
	var injected error
	if len(s.failPuts) > 0 {
		injected = s.failPuts[0]
		s.failPuts = s.failPuts[1:]
	}
	down := s.down
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if down {
		return "", interfaces.ErrBackendUnavailable
	}
	if injected != nil {
		return "", injected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cid, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.objects[cid] = append([]byte(nil), data...)
	s.pinned[cid] = true
	s.mu.Unlock()

	s.log.Debug("Stored content in memory",
		slog.String("cid", cid),
		slog.Int("size", len(data)))
	return cid, nil
}

func (s *MemoryStore) Get(ctx context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, interfaces.ErrBackendUnavailable
	}
	data, ok := s.objects[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, cid)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Pin(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return interfaces.ErrBackendUnavailable
	}
	if _, ok := s.objects[cid]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, cid)
	}
	s.pinned[cid] = true
	return nil
}

// Unpin releases cid. Unpinned content stays readable until garbage
// collection, which the memory store never runs.
func (s *MemoryStore) Unpin(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return interfaces.ErrBackendUnavailable
	}
	delete(s.pinned, cid)
	s.unpinned = append(s.unpinned, cid)
	return nil
}

func (s *MemoryStore) Available(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.down
}

func (s *MemoryStore) Name() string {
	return s.name
}
