package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	if v := os.Getenv("COPYBOT_CHAIN_RPC_URLS"); v != "" {
		var eps []RPCEndpointConfig
		for i, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				eps = append(eps, RPCEndpointConfig{URL: u, Priority: i + 1})
			}
		}
		if len(eps) > 0 {
			cfg.Chain.Endpoints = eps
		}
	}
	setStr(&cfg.Chain.ExchangeContract, "COPYBOT_CHAIN_EXCHANGE_CONTRACT")
	setUint64(&cfg.Chain.ConfirmationDepth, "COPYBOT_CHAIN_CONFIRMATION_DEPTH")
	setDuration(&cfg.Chain.PollInterval, "COPYBOT_CHAIN_POLL_INTERVAL")
	setUint64(&cfg.Chain.BlockBatchSize, "COPYBOT_CHAIN_BLOCK_BATCH_SIZE")
	setUint64(&cfg.Chain.StartBlock, "COPYBOT_CHAIN_START_BLOCK")
	setDuration(&cfg.Chain.RequestTimeout, "COPYBOT_CHAIN_REQUEST_TIMEOUT")
	setInt(&cfg.Chain.MaxRetries, "COPYBOT_CHAIN_MAX_RETRIES")
	setDuration(&cfg.Chain.HealthInterval, "COPYBOT_CHAIN_HEALTH_INTERVAL")
	setInt(&cfg.Chain.FailureThreshold, "COPYBOT_CHAIN_FAILURE_THRESHOLD")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "COPYBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "COPYBOT_EXCHANGE_WS_URL")
	setInt(&cfg.Exchange.RateLimit, "COPYBOT_EXCHANGE_RATE_LIMIT")
	setDuration(&cfg.Exchange.RateWindow, "COPYBOT_EXCHANGE_RATE_WINDOW")
	setDuration(&cfg.Exchange.RequestTimeout, "COPYBOT_EXCHANGE_REQUEST_TIMEOUT")

	// ── Queue ──
	setInt(&cfg.Queue.MaxRetries, "COPYBOT_QUEUE_MAX_RETRIES")
	setDuration(&cfg.Queue.RetryBase, "COPYBOT_QUEUE_RETRY_BASE")
	setDuration(&cfg.Queue.ClaimTTL, "COPYBOT_QUEUE_CLAIM_TTL")
	setDuration(&cfg.Queue.ConsumeTimeout, "COPYBOT_QUEUE_CONSUME_TIMEOUT")
	setDuration(&cfg.Queue.SweepInterval, "COPYBOT_QUEUE_SWEEP_INTERVAL")
	setDuration(&cfg.Queue.CompletedRetention, "COPYBOT_QUEUE_COMPLETED_RETENTION")

	// ── Copy ──
	setInt(&cfg.Copy.Workers, "COPYBOT_COPY_WORKERS")
	setFloat64(&cfg.Copy.Slippage, "COPYBOT_COPY_SLIPPAGE")
	setFloat64(&cfg.Copy.TickSize, "COPYBOT_COPY_TICK_SIZE")
	setDuration(&cfg.Copy.BudgetWindow, "COPYBOT_COPY_BUDGET_WINDOW")

	// ── Smart execution ──
	setFloat64(&cfg.Smart.SmallOrderUSD, "COPYBOT_SMART_SMALL_ORDER_USD")
	setFloat64(&cfg.Smart.LargeOrderUSD, "COPYBOT_SMART_LARGE_ORDER_USD")
	setInt(&cfg.Smart.MaxChunks, "COPYBOT_SMART_MAX_CHUNKS")
	setDuration(&cfg.Smart.ChunkDelay, "COPYBOT_SMART_CHUNK_DELAY")
	setFloat64(&cfg.Smart.MaxSlippage, "COPYBOT_SMART_MAX_SLIPPAGE")

	// ── Risk ──
	setFloat64(&cfg.Risk.FailureRateThreshold, "COPYBOT_RISK_FAILURE_RATE_THRESHOLD")
	setDuration(&cfg.Risk.FailureWindow, "COPYBOT_RISK_FAILURE_WINDOW")
	setDuration(&cfg.Risk.CheckInterval, "COPYBOT_RISK_CHECK_INTERVAL")
	setFloat64(&cfg.Risk.UserDailyLossLimitUSD, "COPYBOT_RISK_USER_DAILY_LOSS_LIMIT_USD")
	setDuration(&cfg.Risk.CoolingPeriod, "COPYBOT_RISK_COOLING_PERIOD")
	setFloat64(&cfg.Risk.SpikeMultiple, "COPYBOT_RISK_SPIKE_MULTIPLE")
	setFloat64(&cfg.Risk.PortfolioLossFraction, "COPYBOT_RISK_PORTFOLIO_LOSS_FRACTION")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "COPYBOT_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.PendingTimeout, "COPYBOT_RECONCILE_PENDING_TIMEOUT")
	setInt(&cfg.Reconcile.MaxRetries, "COPYBOT_RECONCILE_MAX_RETRIES")
	setFloat64(&cfg.Reconcile.DiscrepancyThreshold, "COPYBOT_RECONCILE_DISCREPANCY_THRESHOLD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "COPYBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COPYBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")

	// ── Secrets ──
	setStr(&cfg.Secrets.MasterPassword, "COPYBOT_SECRETS_MASTER_PASSWORD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
