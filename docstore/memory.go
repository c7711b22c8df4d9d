package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// MemoryStore is an in-memory DocumentStore. Records are cloned on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[interfaces.DocumentHash]*interfaces.Document
	now  func() time.Time
	down bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[interfaces.DocumentHash]*interfaces.Document),
		now:  time.Now,
	}
}

// SetClock replaces the clock used to stamp UpdatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetAvailable toggles simulated database availability.
func (s *MemoryStore) SetAvailable(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = !up
}

func (s *MemoryStore) unavailable() error {
	if s.down {
		return interfaces.NewError(interfaces.KindDatabaseUnavailable, "document store unavailable")
	}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, doc *interfaces.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	if _, exists := s.docs[doc.DocumentHash]; exists {
		return fmt.Errorf("insert %s: %w", doc.DocumentHash, interfaces.ErrDuplicate)
	}
	stored := doc.Clone()
	stored.UpdatedAt = s.now().UTC()
	s.docs[doc.DocumentHash] = stored
	doc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) ReplaceFailed(ctx context.Context, doc *interfaces.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	existing, ok := s.docs[doc.DocumentHash]
	if !ok {
		return fmt.Errorf("replace %s: %w", doc.DocumentHash, interfaces.ErrNotFound)
	}
	if existing.Status != interfaces.StatusFailed {
		return fmt.Errorf("replace %s in status %s: %w", doc.DocumentHash, existing.Status, interfaces.ErrDuplicate)
	}
	stored := doc.Clone()
	stored.UpdatedAt = s.now().UTC()
	s.docs[doc.DocumentHash] = stored
	doc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, hash interfaces.DocumentHash) (*interfaces.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	doc, ok := s.docs[hash]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", hash, interfaces.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, hash interfaces.DocumentHash, fn func(*interfaces.Document) error) (*interfaces.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	existing, ok := s.docs[hash]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", hash, interfaces.ErrNotFound)
	}

	doc := existing.Clone()
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := checkUpdate(existing, doc); err != nil {
		return nil, err
	}
	doc.UpdatedAt = s.now().UTC()
	s.docs[hash] = doc
	return doc.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter interfaces.DocumentFilter) ([]*interfaces.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return nil, 0, err
	}

	var matched []*interfaces.Document
	for _, doc := range s.docs {
		if filter.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Audit.CreatedAt.Equal(matched[j].Audit.CreatedAt) {
			return matched[i].Audit.CreatedAt.After(matched[j].Audit.CreatedAt)
		}
		return matched[i].DocumentHash.String() < matched[j].DocumentHash.String()
	})

	total := len(matched)
	offset, limit := normalizePage(filter.Offset, filter.Limit)
	if offset >= total {
		return []*interfaces.Document{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*interfaces.Document, 0, end-offset)
	for _, doc := range matched[offset:end] {
		page = append(page, doc.Clone())
	}
	return page, total, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, status interfaces.DocumentStatus, olderThan time.Time, limit int) ([]*interfaces.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	var out []*interfaces.Document
	for _, doc := range s.docs {
		if doc.Status == status && doc.UpdatedAt.Before(olderThan) {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, party interfaces.Address) ([]*interfaces.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	var out []*interfaces.Document
	for _, doc := range s.docs {
		if doc.Access.Owner == party {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Audit.CreatedAt.Before(out[j].Audit.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountByCreator(ctx context.Context, party interfaces.Address) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return 0, err
	}

	n := 0
	for _, doc := range s.docs {
		if doc.Audit.CreatedBy == party && doc.Status != interfaces.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) IncrementVerification(ctx context.Context, hash interfaces.DocumentHash, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	doc, ok := s.docs[hash]
	if !ok {
		return fmt.Errorf("increment %s: %w", hash, interfaces.ErrNotFound)
	}
	doc.Audit.VerificationCount++
	t := at.UTC()
	doc.Audit.LastVerifiedAt = &t
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unavailable()
}
