package resolver

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5/middleware"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/models"
)

// Invalidator drops cached profiles of self-hosted players after their record
// changes and records each drop in the audit stream. Tools that mutate the player
// store outside the serving process use it directly.
type Invalidator struct {
	mode  models.Mode
	cache cache.ProfileCache
	audit AuditPublisher
}

// NewInvalidator builds an invalidator over profiles. A nil cache makes
// Invalidate a no-op; a nil publisher skips auditing.
func NewInvalidator(mode models.Mode, profiles cache.ProfileCache, publisher AuditPublisher) *Invalidator {
	return &Invalidator{mode: mode, cache: profiles, audit: publisher}
}

// Invalidate deletes the cached profile for persistentID.
func (i *Invalidator) Invalidate(ctx context.Context, persistentID string) error {
	if i.cache == nil {
		return nil
	}
	if err := i.cache.Delete(ctx, cache.IdentityKey(persistentID)); err != nil {
		return fmt.Errorf("invalidate profile: %w", err)
	}
	if i.audit != nil {
		i.audit.Emit(ctx, audit.Event{
			Action:    audit.ActionInvalidated,
			Mode:      i.mode.String(),
			Subject:   persistentID,
			RequestID: middleware.GetReqID(ctx),
		})
	}
	return nil
}
