// Package local is the in-process ingestion lock used when no Redis is configured.
package local

import (
	"context"
	"sync"
	"time"
)

type Lock struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLock() *Lock {
	return &Lock{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire never blocks. An expired lock counts as free.
func (l *Lock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[name]; ok && now.Before(expires) {
		return false, nil
	}
	l.held[name] = now.Add(ttl)
	return true, nil
}

func (l *Lock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
	return nil
}
