package consent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// Store persists the consent log and the privacy requests built on it.
// Lookups that miss return interfaces.ErrNotFound.
type Store interface {
	// Supersede withdraws the active record for (rec.Party, rec.Type), if any,
	// and inserts rec as the new active record in one step.
	Supersede(ctx context.Context, rec *Record, at time.Time) error

	// WithdrawActive marks the active record of the pair withdrawn at at.
	WithdrawActive(ctx context.Context, party interfaces.Address, typ Type, at time.Time) (*Record, error)

	ActiveConsent(ctx context.Context, party interfaces.Address, typ Type) (*Record, error)

	// ListConsents returns every record of party, newest first.
	ListConsents(ctx context.Context, party interfaces.Address) ([]*Record, error)

	// ListActiveConsents returns every active record with a retention period.
	ListActiveConsents(ctx context.Context) ([]*Record, error)

	InsertDeletion(ctx context.Context, req *DeletionRequest) error

	// InsertDeletionUnlessPending inserts req only if party has no pending
	// deletion request and reports whether it did. Pending requests of the
	// party whose verification expiry is not after now are first moved to
	// expired.
	InsertDeletionUnlessPending(ctx context.Context, req *DeletionRequest, now time.Time) (bool, error)

	GetDeletion(ctx context.Context, id string) (*DeletionRequest, error)
	UpdateDeletion(ctx context.Context, id string, fn func(*DeletionRequest) error) (*DeletionRequest, error)
	ListDeletions(ctx context.Context, party interfaces.Address) ([]*DeletionRequest, error)

	InsertExport(ctx context.Context, req *ExportRequest) error
	GetExport(ctx context.Context, id string) (*ExportRequest, error)
	UpdateExport(ctx context.Context, id string, fn func(*ExportRequest) error) (*ExportRequest, error)
	ListExports(ctx context.Context, party interfaces.Address) ([]*ExportRequest, error)
}

// MemoryStore keeps the consent log in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	consents  []*Record
	deletions map[string]*DeletionRequest
	exports   map[string]*ExportRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deletions: make(map[string]*DeletionRequest),
		exports:   make(map[string]*ExportRequest),
	}
}

func (s *MemoryStore) activeLocked(party interfaces.Address, typ Type) *Record {
	for _, r := range s.consents {
		if r.Party == party && r.Type == typ && r.Active() {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) Supersede(ctx context.Context, rec *Record, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.activeLocked(rec.Party, rec.Type); prev != nil {
		prev.Status = StatusWithdrawn
		prev.WithdrawalDate = &at
	}
	s.consents = append(s.consents, rec.clone())
	return nil
}

func (s *MemoryStore) WithdrawActive(ctx context.Context, party interfaces.Address, typ Type, at time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.activeLocked(party, typ)
	if prev == nil {
		return nil, fmt.Errorf("active %s consent: %w", typ, interfaces.ErrNotFound)
	}
	prev.Status = StatusWithdrawn
	prev.WithdrawalDate = &at
	return prev.clone(), nil
}

func (s *MemoryStore) ActiveConsent(ctx context.Context, party interfaces.Address, typ Type) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.activeLocked(party, typ); r != nil {
		return r.clone(), nil
	}
	return nil, fmt.Errorf("active %s consent: %w", typ, interfaces.ErrNotFound)
}

func (s *MemoryStore) ListConsents(ctx context.Context, party interfaces.Address) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for i := len(s.consents) - 1; i >= 0; i-- {
		if s.consents[i].Party == party {
			out = append(out, s.consents[i].clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConsentDate.After(out[j].ConsentDate) })
	return out, nil
}

func (s *MemoryStore) ListActiveConsents(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.consents {
		if r.Active() && r.RetentionDays > 0 {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertDeletion(ctx context.Context, req *DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deletions[req.ID]; ok {
		return fmt.Errorf("deletion request %s: %w", req.ID, interfaces.ErrDuplicate)
	}
	s.deletions[req.ID] = req.clone()
	return nil
}

func (s *MemoryStore) InsertDeletionUnlessPending(ctx context.Context, req *DeletionRequest, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := false
	for _, d := range s.deletions {
		if d.Party != req.Party || d.Status != RequestPending {
			continue
		}
		if !now.Before(d.VerificationExpiry) {
			d.Status = RequestExpired
			d.CodeHash = nil
			continue
		}
		pending = true
	}
	if pending {
		return false, nil
	}
	s.deletions[req.ID] = req.clone()
	return true, nil
}

func (s *MemoryStore) GetDeletion(ctx context.Context, id string) (*DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deletions[id]
	if !ok {
		return nil, fmt.Errorf("deletion request %s: %w", id, interfaces.ErrNotFound)
	}
	return d.clone(), nil
}

func (s *MemoryStore) UpdateDeletion(ctx context.Context, id string, fn func(*DeletionRequest) error) (*DeletionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deletions[id]
	if !ok {
		return nil, fmt.Errorf("deletion request %s: %w", id, interfaces.ErrNotFound)
	}
	next := d.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.deletions[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) ListDeletions(ctx context.Context, party interfaces.Address) ([]*DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeletionRequest
	for _, d := range s.deletions {
		if d.Party == party {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertExport(ctx context.Context, req *ExportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.exports[req.ID]; ok {
		return fmt.Errorf("export request %s: %w", req.ID, interfaces.ErrDuplicate)
	}
	s.exports[req.ID] = req.clone()
	return nil
}

func (s *MemoryStore) GetExport(ctx context.Context, id string) (*ExportRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exports[id]
	if !ok {
		return nil, fmt.Errorf("export request %s: %w", id, interfaces.ErrNotFound)
	}
	return e.clone(), nil
}

func (s *MemoryStore) UpdateExport(ctx context.Context, id string, fn func(*ExportRequest) error) (*ExportRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.exports[id]
	if !ok {
		return nil, fmt.Errorf("export request %s: %w", id, interfaces.ErrNotFound)
	}
	next := e.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.exports[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) ListExports(ctx context.Context, party interfaces.Address) ([]*ExportRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExportRequest
	for _, e := range s.exports {
		if e.Party == party {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
