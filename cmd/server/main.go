package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	identitymetrics "worldgate/internal/identity/metrics"
	"worldgate/internal/identity/resolver"
	"worldgate/internal/platform/config"
	"worldgate/internal/platform/httpserver"
	"worldgate/internal/platform/logger"
	"worldgate/internal/platform/metrics"
	platformredis "worldgate/internal/platform/redis"
	httptransport "worldgate/internal/transport/http"
)

// main wires dependencies for the configured deployment mode and runs the HTTP
// server until SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worldgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.SlogLevel())
	mode := cfg.DeploymentMode()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	reg := metrics.NewRegistry()
	resolverOpts := []resolver.Option{
		resolver.WithLogger(log),
		resolver.WithMetrics(identitymetrics.NewWith(reg)),
	}
	handlerOpts := []httptransport.Option{
		httptransport.WithMetricsHandler(metrics.Handler(reg)),
	}

	publisher, closeAudit, err := startAudit(gctx, g, cfg.Audit, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	resolverOpts = append(resolverOpts, resolver.WithAuditPublisher(publisher))

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		handlerOpts = append(handlerOpts, httptransport.WithHealthCheck("cache", redisClient.Health))
	}
	if cfg.CacheEnabled() {
		var profiles cache.ProfileCache = cache.NewInMemory()
		if redisClient != nil {
			profiles = cache.NewGuarded(cache.NewRedis(redisClient.Client), cache.WithGuardLogger(log))
		}
		resolverOpts = append(resolverOpts, resolver.WithCache(profiles, cfg.Cache.TTL))
		log.Info("profile cache enabled", "ttl", cfg.Cache.TTL.String(), "shared", redisClient != nil)
	}

	modeOpts, modeChecks, closeMode, err := wireMode(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeMode()
	resolverOpts = append(resolverOpts, modeOpts...)
	handlerOpts = append(handlerOpts, modeChecks...)

	res, err := resolver.New(mode, resolverOpts...)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	handler := httptransport.NewHandler(res, log, handlerOpts...)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	g.Go(func() error {
		log.Info("starting worldgate", "addr", cfg.Addr, "mode", mode.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// startAudit always logs audit events. When brokers are configured it also runs a
// worker that forwards them to Kafka.
func startAudit(ctx context.Context, g *errgroup.Group, cfg config.AuditConfig, log *slog.Logger) (*audit.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return audit.NewPublisher(log, 0), func() {}, nil
	}

	sink, err := audit.NewKafkaSink(cfg.Brokers, cfg.Topic, log)
	if err != nil {
		return nil, nil, err
	}
	topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := sink.EnsureTopic(topicCtx, 3, 1); err != nil {
		log.Warn("audit topic bootstrap failed, relying on broker auto-create", "error", err)
	}
	cancel()

	publisher := audit.NewPublisher(log, cfg.QueueSize)
	worker := audit.NewWorker(sink, publisher.Queue(), log)
	g.Go(func() error {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("audit worker: %w", err)
		}
		return nil
	})
	closeFn := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(flushCtx); err != nil {
			log.Warn("audit sink flush failed", "error", err, "dropped", publisher.Dropped())
		}
	}
	return publisher, closeFn, nil
}
