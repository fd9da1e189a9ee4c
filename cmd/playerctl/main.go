// playerctl administers the player store of a self-hosted world.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/models"
	"worldgate/internal/identity/resolver"
	"worldgate/internal/identity/store"
	"worldgate/internal/platform/config"
	"worldgate/internal/platform/logger"
	"worldgate/internal/platform/postgres"
	platformredis "worldgate/internal/platform/redis"
	wgstrings "worldgate/pkg/platform/strings"
)

type settings struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	Audit    config.AuditConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "playerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Audit.Brokers = wgstrings.DedupeAndTrim(cfg.Audit.Brokers)

	flagSet := pflag.NewFlagSet("playerctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&cfg.Database.DSN, "database-url", cfg.Database.DSN, "player store DSN (WORLDGATE_DATABASE_URL)")
	flagSet.StringVar(&cfg.Redis.URL, "redis-url", cfg.Redis.URL, "profile cache to invalidate on changes (WORLDGATE_REDIS_URL)")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(stderr, flagSet) }
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		printUsage(stderr, flagSet)
		return errors.New("missing command")
	}
	if cfg.Database.DSN == "" {
		return errors.New("--database-url or WORLDGATE_DATABASE_URL is required")
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	players := store.NewPostgres(db)
	if err := players.EnsureSchema(ctx); err != nil {
		return err
	}

	log := logger.NewWithWriter(stderr, slog.LevelInfo)
	publisher, flush, err := openAudit(cfg.Audit, log)
	if err != nil {
		return err
	}
	defer flush()

	c := &commands{players: players, out: stdout}
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		c.invalidator = resolver.NewInvalidator(models.ModeSelfHosted, cache.NewRedis(redisClient.Client), publisher)
	}
	return c.dispatch(ctx, flagSet.Args())
}

// openAudit logs audit events to stderr. With brokers configured, queued events
// are also written to Kafka when the returned flush runs.
func openAudit(cfg config.AuditConfig, log *slog.Logger) (*audit.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return audit.NewPublisher(log, 0), func() {}, nil
	}
	sink, err := audit.NewKafkaSink(cfg.Brokers, cfg.Topic, log)
	if err != nil {
		return nil, nil, err
	}
	publisher := audit.NewPublisher(log, cfg.QueueSize)
	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		drainAudit(ctx, publisher.Queue(), sink, log)
		if err := sink.Close(ctx); err != nil {
			log.Warn("audit sink flush failed", "error", err)
		}
	}
	return publisher, flush, nil
}

// drainAudit appends every event already queued, without waiting for more.
func drainAudit(ctx context.Context, queue <-chan audit.Event, sink audit.Sink, log *slog.Logger) {
	for {
		select {
		case event := <-queue:
			if err := sink.Append(ctx, event); err != nil {
				log.Warn("audit sink append failed", "action", event.Action, "error", err)
			}
		default:
			return
		}
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: playerctl [flags] <command> [args]

Commands:
  create <username> [--id <persistent-id>]   register a player
  get <persistent-id>                        show one player
  list [--limit N] [--ids a,b,c]             list players
  rename <persistent-id> <username>          rename a player and drop its cached profile
  count                                      number of registered players

Flags:
%s`, flagSet.FlagUsages())
}
