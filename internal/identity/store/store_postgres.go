package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore is the authoritative players table for self-hosted worlds.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithClock sets the clock used for created_at/updated_at.
func WithClock(clock func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed identity store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:    db,
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureSchema creates the players table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS players (
			persistent_id TEXT PRIMARY KEY,
			username      TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure players schema: %w", err)
	}
	return nil
}

// FindByPersistentID returns the single player with persistentID, or sentinel.ErrNotFound.
func (s *PostgresStore) FindByPersistentID(ctx context.Context, persistentID string) (*models.PlayerRecord, error) {
	var rec models.PlayerRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT persistent_id, username, created_at, updated_at
		FROM players
		WHERE persistent_id = $1
	`, persistentID).Scan(&rec.PersistentID, &rec.Username, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find player: %w: %w", sentinel.ErrUnavailable, err)
	}
	return &rec, nil
}

// FindMany returns the players among persistentIDs that exist, in id order.
func (s *PostgresStore) FindMany(ctx context.Context, persistentIDs []string) ([]*models.PlayerRecord, error) {
	if len(persistentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT persistent_id, username, created_at, updated_at
		FROM players
		WHERE persistent_id = ANY($1::text[])
		ORDER BY persistent_id
	`, pq.Array(persistentIDs))
	if err != nil {
		return nil, fmt.Errorf("find players: %w: %w", sentinel.ErrUnavailable, err)
	}
	return scanPlayers(rows)
}

// List returns up to limit players ordered by creation time.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*models.PlayerRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT persistent_id, username, created_at, updated_at
		FROM players
		ORDER BY created_at, persistent_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list players: %w: %w", sentinel.ErrUnavailable, err)
	}
	return scanPlayers(rows)
}

// Count returns the number of players in the world.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count players: %w: %w", sentinel.ErrUnavailable, err)
	}
	return n, nil
}

// Create inserts a new player. An existing persistent id yields sentinel.ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, rec *models.PlayerRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.clock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (persistent_id, username, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, rec.PersistentID, rec.Username, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("player %s: %w", rec.PersistentID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create player: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// Rename changes a player's username.
func (s *PostgresStore) Rename(ctx context.Context, persistentID, username string) error {
	if username == "" {
		return fmt.Errorf("username is required: %w", sentinel.ErrInvalidState)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE players SET username = $2, updated_at = $3
		WHERE persistent_id = $1
	`, persistentID, username, s.clock())
	if err != nil {
		return fmt.Errorf("rename player: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename player: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanPlayers(rows *sql.Rows) ([]*models.PlayerRecord, error) {
	defer rows.Close()
	var out []*models.PlayerRecord
	for rows.Next() {
		var rec models.PlayerRecord
		if err := rows.Scan(&rec.PersistentID, &rec.Username, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate players: %w", err)
	}
	return out, nil
}
