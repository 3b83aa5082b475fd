package patterns

import (
	"context"
	"sync"
	"time"
)

// Repository is the durable backing store for learned patterns. The service
// keeps an in-memory cache in front; writes are last-writer-wins within one
// composite key. Get returns (nil, nil) for an absent or expired key.
type Repository interface {
	Get(ctx context.Context, key string) (*Pattern, error)
	// Put upserts the pattern and restarts its TTL.
	Put(ctx context.Context, p *Pattern, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*Pattern, error)
	Clear(ctx context.Context) error
	Close() error
}

// MemoryRepository keeps patterns in a map with per-entry expiry. It backs
// tests and single-process deployments with no durability requirement.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	pattern   *Pattern
	expiresAt time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (r *MemoryRepository) Get(_ context.Context, key string) (*Pattern, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok || r.now().After(e.expiresAt) {
		return nil, nil
	}
	return e.pattern.clone(), nil
}

func (r *MemoryRepository) Put(_ context.Context, p *Pattern, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.CompositeKey] = memoryEntry{pattern: p.clone(), expiresAt: r.now().Add(ttl)}
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]*Pattern, 0, len(r.entries))
	for _, e := range r.entries {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.pattern.clone())
	}
	return out, nil
}

func (r *MemoryRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]memoryEntry)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
