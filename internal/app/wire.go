package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/copybot/internal/blob/s3"
	"github.com/alanyoungcy/copybot/internal/cache/redis"
	"github.com/alanyoungcy/copybot/internal/chain/rpcpool"
	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/platform/exchange"
	"github.com/alanyoungcy/copybot/internal/queue"
	"github.com/alanyoungcy/copybot/internal/store/postgres"

	"github.com/ethereum/go-ethereum/common"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Records  domain.TradeRecordStore
	Detected domain.DetectedTradeStore
	Rels     domain.RelationshipStore

	// Redis-backed infrastructure
	Queue       *queue.Queue
	RiskState   domain.RiskState
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Chain access
	Chain *rpcpool.Manager

	// Exchange access
	Exchange  *exchange.Factory
	Directory *exchange.MarketDirectory

	// Credential decryption
	Credentials domain.CredentialProvider

	// Report archival (nil unless S3 is enabled)
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "worker", "reconcile", "full":
		return true
	default:
		return false
	}
}

// needsChain returns true for modes that talk to the blockchain.
func needsChain(mode string) bool {
	switch mode {
	case "listener", "reconcile", "full":
		return true
	default:
		return false
	}
}

// needsCredentials returns true for modes that place or reconcile orders on
// behalf of users.
func needsCredentials(mode string) bool {
	switch mode {
	case "worker", "reconcile", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
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
		deps.Records = postgres.NewTradeRecordStore(pool)
		deps.Detected = postgres.NewDetectedTradeStore(pool)
		deps.Rels = postgres.NewRelationshipStore(pool)

		if needsCredentials(cfg.Mode) {
			credStore := postgres.NewCredentialStore(pool)
			provider, err := crypto.NewProvider(credStore, cfg.Secrets.MasterPassword)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: credential provider: %w", err)
			}
			deps.Credentials = provider
		}
	}

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

	deps.Queue = queue.New(redisClient, queue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryBase:       cfg.Queue.RetryBase.Duration,
		ClaimTTL:        cfg.Queue.ClaimTTL.Duration,
		SweepInterval:   cfg.Queue.SweepInterval.Duration,
		CompletedMaxAge: cfg.Queue.CompletedRetention.Duration,
	}, logger)
	deps.RiskState = redis.NewRiskState(redisClient)
	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Chain RPC pool (only for modes that touch the blockchain) ---
	if needsChain(cfg.Mode) {
		eps := make([]rpcpool.EndpointConfig, len(cfg.Chain.Endpoints))
		for i, ep := range cfg.Chain.Endpoints {
			eps[i] = rpcpool.EndpointConfig{URL: ep.URL, Priority: ep.Priority}
		}
		deps.Chain = rpcpool.New(rpcpool.Config{
			Endpoints:        eps,
			RequestTimeout:   cfg.Chain.RequestTimeout.Duration,
			MaxRetries:       cfg.Chain.MaxRetries,
			HealthInterval:   cfg.Chain.HealthInterval.Duration,
			FailureThreshold: cfg.Chain.FailureThreshold,
		}, logger)
		closers = append(closers, deps.Chain.Close)
	}

	// --- Exchange clients ---
	exchangeCfg := exchange.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		RequestTimeout: cfg.Exchange.RequestTimeout.Duration,
		RateLimit:      cfg.Exchange.RateLimit,
		RateWindow:     cfg.Exchange.RateWindow.Duration,
	}
	deps.Exchange = exchange.NewFactory(exchangeCfg, deps.RateLimiter)
	// Market metadata needs no user auth.
	deps.Directory = exchange.NewMarketDirectory(
		exchange.NewClient(exchangeCfg, nil, deps.RateLimiter),
		deps.MarketCache,
	)

	// --- S3 report archival ---
	if cfg.S3.Enabled {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		var lots s3blob.ClosedLotStore
		if rs, ok := deps.Records.(s3blob.ClosedLotStore); ok {
			lots = rs
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), lots)
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// exchangeContract parses the configured exchange contract address.
func exchangeContract(cfg *config.Config) common.Address {
	return common.HexToAddress(cfg.Chain.ExchangeContract)
}
