package roles

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/credential-registry/interfaces"
)

// Profile is what the registry knows about a party beyond its role.
type Profile struct {
	Address     interfaces.Address `json:"walletAddress"`
	Role        interfaces.Role    `json:"role"`
	DisplayName string             `json:"displayName,omitempty"`
	Email       string             `json:"email,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// position is a ledger log position.
type position struct {
	block uint64
	index uint
}

func (p position) after(o position) bool {
	if p.block != o.block {
		return p.block > o.block
	}
	return p.index > o.index
}

type entry struct {
	registered bool
	profile    Profile
	applied    position
}

type snapshot map[interfaces.Address]entry

// Cache is the operational role store. Readers load an immutable snapshot
// without locking; writers copy the snapshot under a mutex and swap it in.
//
// Ledger events are applied per party only if they are newer than the last
// event applied for that party, so replays and overlapping polls are no-ops.
type Cache struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

func NewCache() *Cache {
	c := &Cache{now: time.Now}
	empty := snapshot{}
	c.snap.Store(&empty)
	return c
}

// SetClock replaces the clock used for profile timestamps.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) load() snapshot {
	return *c.snap.Load()
}

// Role returns the cached role of party and whether it is registered.
func (c *Cache) Role(party interfaces.Address) (interfaces.Role, bool) {
	e, ok := c.load()[party]
	if !ok || !e.registered {
		return interfaces.RoleStudent, false
	}
	return e.profile.Role, true
}

// Profile returns the cached profile of a registered party.
func (c *Cache) Profile(party interfaces.Address) (Profile, bool) {
	e, ok := c.load()[party]
	if !ok || !e.registered {
		return Profile{}, false
	}
	return e.profile, true
}

// Admins returns the number of parties holding ADMIN.
func (c *Cache) Admins() int {
	n := 0
	for _, e := range c.load() {
		if e.registered && e.profile.Role == interfaces.RoleAdmin {
			n++
		}
	}
	return n
}

// Profiles lists registered parties ordered by address.
func (c *Cache) Profiles() []Profile {
	snap := c.load()
	out := make([]Profile, 0, len(snap))
	for _, e := range snap {
		if e.registered {
			out = append(out, e.profile)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return interfaces.AddressString(out[i].Address) < interfaces.AddressString(out[j].Address)
	})
	return out
}

// mutate copies the snapshot, applies fn and publishes the result.
func (c *Cache) mutate(fn func(s snapshot, now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.load()
	next := make(snapshot, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	fn(next, c.now().UTC())
	c.snap.Store(&next)
}

// Apply applies ledger events in the order given and returns how many
// changed the cache.
func (c *Cache) Apply(events []interfaces.RoleEvent) int {
	applied := 0
	c.mutate(func(s snapshot, now time.Time) {
		for _, ev := range events {
			pos := position{block: ev.BlockNumber, index: ev.LogIndex}
			e := s[ev.User]
			if e.applied != (position{}) && !pos.after(e.applied) {
				continue
			}
			e.applied = pos

			switch ev.Type {
			case interfaces.RoleEventRegistered, interfaces.RoleEventAssigned:
				setRole(&e, ev.User, ev.Role, now)
			case interfaces.RoleEventRevoked:
				e.registered = false
				e.profile.UpdatedAt = now
			default:
				continue
			}
			s[ev.User] = e
			applied++
		}
	})
	return applied
}

func setRole(e *entry, party interfaces.Address, role interfaces.Role, now time.Time) {
	if !e.registered {
		e.registered = true
		if e.profile.CreatedAt.IsZero() {
			e.profile.CreatedAt = now
		}
	}
	e.profile.Address = party
	e.profile.Role = role
	e.profile.UpdatedAt = now
}

// Set records a role confirmed by a ledger receipt ahead of its event. The
// applied position is left alone so the event still lands when polled.
func (c *Cache) Set(party interfaces.Address, role interfaces.Role) {
	c.mutate(func(s snapshot, now time.Time) {
		e := s[party]
		setRole(&e, party, role, now)
		s[party] = e
	})
}

// Remove unregisters party ahead of its RoleRevoked event.
func (c *Cache) Remove(party interfaces.Address) {
	c.mutate(func(s snapshot, now time.Time) {
		e, ok := s[party]
		if !ok {
			return
		}
		e.registered = false
		e.profile.UpdatedAt = now
		s[party] = e
	})
}

// UpdateProfile sets display details of a registered party.
func (c *Cache) UpdateProfile(party interfaces.Address, displayName, email string) bool {
	found := false
	c.mutate(func(s snapshot, now time.Time) {
		e, ok := s[party]
		if !ok || !e.registered {
			return
		}
		e.profile.DisplayName = displayName
		e.profile.Email = email
		e.profile.UpdatedAt = now
		s[party] = e
		found = true
	})
	return found
}

// EraseProfile clears the personal details of party. The role is kept since
// it mirrors ledger state.
func (c *Cache) EraseProfile(party interfaces.Address) {
	c.mutate(func(s snapshot, now time.Time) {
		e, ok := s[party]
		if !ok {
			return
		}
		e.profile.DisplayName = ""
		e.profile.Email = ""
		e.profile.UpdatedAt = now
		s[party] = e
	})
}
