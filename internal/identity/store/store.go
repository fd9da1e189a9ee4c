// Package store holds the self-hosted players table.
package store

import (
	"context"

	"worldgate/internal/identity/models"
)

// Store is the full players table surface used by the resolver, the server boot
// check and playerctl.
type Store interface {
	FindByPersistentID(ctx context.Context, persistentID string) (*models.PlayerRecord, error)
	FindMany(ctx context.Context, persistentIDs []string) ([]*models.PlayerRecord, error)
	List(ctx context.Context, limit int) ([]*models.PlayerRecord, error)
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, rec *models.PlayerRecord) error
	Rename(ctx context.Context, persistentID, username string) error
	Health(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)
