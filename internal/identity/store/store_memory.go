package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/sentinel"
)

// InMemoryStore is a process-local players table for tests and single-node dev worlds.
type InMemoryStore struct {
	mu      sync.RWMutex
	players map[string]models.PlayerRecord
	clock   func() time.Time
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		players: make(map[string]models.PlayerRecord),
		clock:   time.Now,
	}
}

func (s *InMemoryStore) FindByPersistentID(_ context.Context, persistentID string) (*models.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.players[persistentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) FindMany(_ context.Context, persistentIDs []string) ([]*models.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PlayerRecord
	seen := make(map[string]struct{}, len(persistentIDs))
	for _, id := range persistentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if rec, ok := s.players[id]; ok {
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersistentID < out[j].PersistentID })
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]*models.PlayerRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	out := make([]*models.PlayerRecord, 0, len(s.players))
	for _, rec := range s.players {
		out = append(out, &rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PersistentID < out[j].PersistentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players), nil
}

func (s *InMemoryStore) Create(_ context.Context, rec *models.PlayerRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.players[rec.PersistentID]; exists {
		return fmt.Errorf("player %s: %w", rec.PersistentID, sentinel.ErrConflict)
	}
	now := s.clock()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.players[rec.PersistentID] = *rec
	return nil
}

func (s *InMemoryStore) Rename(_ context.Context, persistentID, username string) error {
	if username == "" {
		return fmt.Errorf("username is required: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.players[persistentID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.Username = username
	rec.UpdatedAt = s.clock()
	s.players[persistentID] = rec
	return nil
}

func (s *InMemoryStore) Health(context.Context) error {
	return nil
}

func validateRecord(rec *models.PlayerRecord) error {
	switch {
	case rec == nil:
		return fmt.Errorf("player record is required: %w", sentinel.ErrInvalidState)
	case rec.PersistentID == "":
		return fmt.Errorf("persistent id is required: %w", sentinel.ErrInvalidState)
	case rec.Username == "":
		return fmt.Errorf("username is required: %w", sentinel.ErrInvalidState)
	}
	return nil
}
