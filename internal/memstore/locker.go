package memstore

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// Locker is a process-local lease table with the same semantics as the
// job_locks table: a lease can be taken over once it expires.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease), now: time.Now}
}

// SetClock overrides the time source.
func (l *Locker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire takes the lease for name unless a live lease exists.
func (l *Locker) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[name]; ok && cur.expiresAt.After(now) {
		return false, nil
	}
	l.leases[name] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lease if owner still holds it.
func (l *Locker) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && cur.owner == owner {
		delete(l.leases, name)
	}
	return nil
}
