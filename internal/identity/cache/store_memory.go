package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/sentinel"
)

type memoryEntry struct {
	profile   *models.UserProfile
	expiresAt time.Time
}

// InMemoryCache is a process-local ProfileCache for single-node worlds and tests.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewInMemory constructs an empty cache using the wall clock.
func NewInMemory() *InMemoryCache {
	return NewInMemoryWithClock(time.Now)
}

// NewInMemoryWithClock constructs an empty cache with an injected clock.
func NewInMemoryWithClock(clock func() time.Time) *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

func (c *InMemoryCache) Get(_ context.Context, key string) (*models.UserProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !c.clock().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, sentinel.ErrNotFound
	}
	return e.profile.Clone(), nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, profile *models.UserProfile, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{profile: profile.Clone(), expiresAt: c.clock().Add(ttl)}
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len reports stored entries, including expired ones not yet evicted.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
