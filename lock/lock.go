package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process lease lock for single-replica deployments.
type Local struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.leases[key]; ok && now.Before(until) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}
