package pipeline

import (
	"sync"

	"github.com/ruteri/credential-registry/interfaces"
)

// LockTable hands out one mutex per document hash. Entries are reference
// counted and dropped once no holder or waiter remains.
type LockTable struct {
	mu    sync.Mutex
	locks map[interfaces.DocumentHash]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[interfaces.DocumentHash]*hashLock)}
}

// Lock blocks until hash is free and returns the function that releases it.
func (t *LockTable) Lock(hash interfaces.DocumentHash) (unlock func()) {
	t.mu.Lock()
	l, ok := t.locks[hash]
	if !ok {
		l = &hashLock{}
		t.locks[hash] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return t.releaser(hash, l)
}

// TryLock acquires hash only if nobody holds or awaits it.
func (t *LockTable) TryLock(hash interfaces.DocumentHash) (unlock func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.locks[hash]; busy {
		return nil, false
	}
	l := &hashLock{refs: 1}
	l.mu.Lock()
	t.locks[hash] = l
	return t.releaser(hash, l), true
}

func (t *LockTable) releaser(hash interfaces.DocumentHash, l *hashLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, hash)
			}
			t.mu.Unlock()
		})
	}
}

// Len returns the number of hashes currently held or awaited.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
