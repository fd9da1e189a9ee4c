package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/models"
	"worldgate/internal/identity/resolver"
	"worldgate/internal/identity/store"
	"worldgate/pkg/platform/sentinel"
)

func newCommands() (*commands, *store.InMemoryStore, *cache.InMemoryCache, *bytes.Buffer) {
	players := store.NewInMemory()
	profiles := cache.NewInMemory()
	out := &bytes.Buffer{}
	inv := resolver.NewInvalidator(models.ModeSelfHosted, profiles, nil)
	return &commands{players: players, invalidator: inv, out: out}, players, profiles, out
}

func TestCreateAssignsUUID(t *testing.T) {
	c, players, _, out := newCommands()
	ctx := context.Background()

	require.NoError(t, c.dispatch(ctx, []string{"create", "alice"}))

	var profile models.UserProfile
	require.NoError(t, json.Unmarshal(out.Bytes(), &profile))
	_, err := uuid.Parse(profile.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.User.Username)
	assert.Equal(t, profile.User.ID, profile.Player.PublicID)

	n, err := players.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateWithExplicitIDConflicts(t *testing.T) {
	c, _, _, _ := newCommands()
	ctx := context.Background()

	require.NoError(t, c.dispatch(ctx, []string{"create", "alice", "--id", "abc-123"}))
	err := c.dispatch(ctx, []string{"create", "mallory", "--id", "abc-123"})

	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestRenameDropsCachedProfile(t *testing.T) {
	c, players, profiles, out := newCommands()
	ctx := context.Background()
	require.NoError(t, players.Create(ctx, &models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}))
	require.NoError(t, profiles.Set(ctx, cache.IdentityKey("abc-123"),
		(&models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}).ToProfile(), time.Hour))

	require.NoError(t, c.dispatch(ctx, []string{"rename", "abc-123", "alice2"}))

	_, err := profiles.Get(ctx, cache.IdentityKey("abc-123"))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	rec, err := players.FindByPersistentID(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "alice2", rec.Username)
	assert.Contains(t, out.String(), "renamed abc-123 to alice2")
}

func TestRenameEmitsInvalidationAudit(t *testing.T) {
	ctx := context.Background()
	players := store.NewInMemory()
	require.NoError(t, players.Create(ctx, &models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}))
	logs := &bytes.Buffer{}
	publisher := audit.NewPublisher(slog.New(slog.NewJSONHandler(logs, nil)), 4)
	sink := audit.NewMemorySink()
	c := &commands{
		players:     players,
		invalidator: resolver.NewInvalidator(models.ModeSelfHosted, cache.NewInMemory(), publisher),
		out:         &bytes.Buffer{},
	}

	require.NoError(t, c.dispatch(ctx, []string{"rename", "abc-123", "alice2"}))
	drainAudit(ctx, publisher.Queue(), sink, slog.New(slog.DiscardHandler))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionInvalidated, events[0].Action)
	assert.Equal(t, "abc-123", events[0].Subject)
	assert.Equal(t, "self_hosted", events[0].Mode)
	assert.Contains(t, logs.String(), audit.ActionInvalidated)
}

func TestRenameUnknownPlayer(t *testing.T) {
	c, _, _, _ := newCommands()

	err := c.dispatch(context.Background(), []string{"rename", "missing", "bob"})

	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestListAndCount(t *testing.T) {
	c, players, _, out := newCommands()
	ctx := context.Background()
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, players.Create(ctx, &models.PlayerRecord{PersistentID: "id-" + name, Username: name}))
	}

	require.NoError(t, c.dispatch(ctx, []string{"list", "--ids", "id-bob,id-carol"}))
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, out.String(), "carol")
	assert.NotContains(t, out.String(), "alice")

	out.Reset()
	require.NoError(t, c.dispatch(ctx, []string{"count"}))
	assert.Equal(t, "3\n", out.String())
}

func TestGetAndUnknownCommand(t *testing.T) {
	c, players, _, out := newCommands()
	ctx := context.Background()
	require.NoError(t, players.Create(ctx, &models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}))

	require.NoError(t, c.dispatch(ctx, []string{"get", "abc-123"}))
	assert.Contains(t, out.String(), `"username": "alice"`)

	assert.Error(t, c.dispatch(ctx, []string{"ban", "abc-123"}))
	assert.Error(t, c.dispatch(ctx, []string{"get"}))
}
