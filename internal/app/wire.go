package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/forecastex/marketd/internal/blob/s3"
	"github.com/forecastex/marketd/internal/cache/redis"
	"github.com/forecastex/marketd/internal/collateral"
	"github.com/forecastex/marketd/internal/config"
	"github.com/forecastex/marketd/internal/crypto"
	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
	"github.com/forecastex/marketd/internal/insurance"
	"github.com/forecastex/marketd/internal/lending"
	"github.com/forecastex/marketd/internal/notify"
	"github.com/forecastex/marketd/internal/service"
	"github.com/forecastex/marketd/internal/store/postgres"
	"github.com/forecastex/marketd/internal/token"
)

// Dependencies bundles everything the application modes need: the wired
// engine, its collaborator ledgers, the persistence and cache layers, and the
// operational services built on top of them. It is constructed by Wire and
// torn down by the returned cleanup function.
type Dependencies struct {
	// Engine
	Market *engine.Market

	// Stores
	Postgres  *postgres.Client
	Events    domain.EventStore
	History   domain.PositionHistoryStore
	Snapshots domain.SnapshotStore

	// Caches
	Redis       *redis.Client
	StateCache  domain.StateCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless archiving is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Services
	Reader       *service.MarketReader
	Checkpointer *service.Checkpointer

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration, restoring engine state from the latest checkpoint when one
// exists. It returns the dependencies together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Events = postgres.NewEventStore(pool)
	deps.History = postgres.NewPositionHistoryStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.StateCache = redis.NewStateCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (cold archive, optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Events, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notifyEventTypes(cfg.Notify.Events), logger)

	// --- Engine and ledgers ---
	params, err := cfg.MarketParams()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: market params: %w", err)
	}

	vault := collateral.NewVault(cfg.Market.VaultMultiplier, logger)
	lendingPool := lending.NewPool(vault, cfg.Market.MaxUtilBps, logger)
	fund := insurance.NewFund(vault, logger)
	tokens := token.NewOutcomeLedger()

	sink := service.NewFanoutSink(deps.Events, deps.History, deps.SignalBus, deps.StateCache, logger)

	market := engine.New(engine.Deps{
		Vault:     vault,
		Lending:   lendingPool,
		Insurance: fund,
		Tokens:    tokens,
		Verifier:  crypto.NewVerifier(),
		Sink:      sink,
		Logger:    logger,
	})
	if err := market.Initialize(params, cfg.Authority.Address); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: initialize market: %w", err)
	}
	deps.Market = market

	deps.Reader = service.NewMarketReader(market, deps.StateCache, logger)
	deps.Checkpointer = service.NewCheckpointer(market, map[string]service.StateExporter{
		"vault":   vault,
		"lending": lendingPool,
		"tokens":  tokens,
	}, deps.Snapshots, logger)

	// Resume from the latest checkpoint when one exists.
	restored, err := deps.Checkpointer.Load(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: restore checkpoint: %w", err)
	}
	if restored {
		logger.InfoContext(ctx, "resumed from checkpoint",
			slog.String("market_id", cfg.Market.ID),
		)
	}

	return deps, cleanup, nil
}

// notifyEventTypes converts configured event names into typed event kinds.
func notifyEventTypes(names []string) []domain.EventType {
	out := make([]domain.EventType, 0, len(names))
	for _, n := range names {
		out = append(out, domain.EventType(n))
	}
	return out
}
