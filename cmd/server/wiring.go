package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/keys"
	"worldgate/internal/identity/models"
	"worldgate/internal/identity/provider"
	"worldgate/internal/identity/resolver"
	"worldgate/internal/identity/store"
	"worldgate/internal/identity/token"
	"worldgate/internal/platform/config"
	"worldgate/internal/platform/postgres"
	httptransport "worldgate/internal/transport/http"
)

// wireMode builds the collaborators the deployment mode needs. The returned close
// func releases whatever was opened.
func wireMode(ctx context.Context, cfg config.Server, log *slog.Logger) ([]resolver.Option, []httptransport.Option, func(), error) {
	switch cfg.DeploymentMode() {
	case models.ModeSelfHosted:
		return wireSelfHosted(ctx, cfg, log)
	case models.ModeFederated:
		return wireFederated(cfg)
	}
	return nil, nil, nil, fmt.Errorf("unknown deployment mode %q", cfg.Mode)
}

func wireSelfHosted(ctx context.Context, cfg config.Server, log *slog.Logger) ([]resolver.Option, []httptransport.Option, func(), error) {
	keyProvider, err := buildKeyProvider(ctx, cfg.Token)
	if err != nil {
		return nil, nil, nil, err
	}
	verifier, err := token.NewVerifier(keyProvider, token.Config{
		Issuer:            cfg.Token.Issuer,
		Audience:          cfg.Token.Audience,
		MaxTokenAge:       cfg.Token.MaxAge,
		TrustOpaqueTokens: cfg.Token.TrustOpaque,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build token verifier: %w", err)
	}
	if cfg.Token.TrustOpaque {
		log.Warn("opaque 36 character identities are trusted without a signature")
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	players := store.NewPostgres(db)
	if err := players.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	if err := loadWorld(ctx, players, log); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	opts := []resolver.Option{
		resolver.WithVerifier(verifier),
		resolver.WithStore(players),
		resolver.WithStoreTimeout(cfg.Database.QueryTimeout),
	}
	checks := []httptransport.Option{httptransport.WithHealthCheck("store", players.Health)}
	return opts, checks, func() { closeDB(db, log) }, nil
}

func wireFederated(cfg config.Server) ([]resolver.Option, []httptransport.Option, func(), error) {
	client, err := provider.New(cfg.Provider.BaseURL,
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithMaxConcurrent(cfg.Provider.MaxConcurrent),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build identity provider client: %w", err)
	}
	opts := []resolver.Option{resolver.WithProvider(client)}
	if cfg.CacheEnabled() {
		opts = append(opts, resolver.WithTokenHasher(cache.NewHasher([]byte(cfg.Cache.KeySecret))))
	}
	return opts, nil, func() {}, nil
}

// buildKeyProvider prefers a remote JWKS so key rotation needs no restart.
func buildKeyProvider(ctx context.Context, cfg config.TokenConfig) (keys.Provider, error) {
	if cfg.JWKSURL != "" {
		jwks, err := keys.NewJWKS(ctx, cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("build jwks provider: %w", err)
		}
		if err := jwks.Warmup(ctx); err != nil {
			return nil, fmt.Errorf("warm up jwks: %w", err)
		}
		return jwks, nil
	}
	static, err := keys.ParseStatic(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse token public key: %w", err)
	}
	return static, nil
}

// loadWorld confirms the player store is readable before serving traffic.
func loadWorld(ctx context.Context, players store.Store, log *slog.Logger) error {
	count, err := players.Count(ctx)
	if err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	log.Info("world loaded", "players", count)
	return nil
}

func closeDB(db *sql.DB, log *slog.Logger) {
	if err := db.Close(); err != nil {
		log.Warn("close database", "error", err)
	}
}
