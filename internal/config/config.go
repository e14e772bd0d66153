// Package config defines the top-level configuration for the copy-trading
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYBOT_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Queue     QueueConfig     `toml:"queue"`
	Copy      CopyConfig      `toml:"copy"`
	Smart     SmartConfig     `toml:"smart"`
	Risk      RiskConfig      `toml:"risk"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RPCEndpointConfig describes one chain RPC endpoint. Lower priority values
// are preferred.
type RPCEndpointConfig struct {
	URL      string `toml:"url"`
	Priority int    `toml:"priority"`
}

// ChainConfig holds blockchain connectivity and listener parameters.
type ChainConfig struct {
	Endpoints         []RPCEndpointConfig `toml:"endpoints"`
	ExchangeContract  string              `toml:"exchange_contract"`
	ConfirmationDepth uint64              `toml:"confirmation_depth"`
	PollInterval      duration            `toml:"poll_interval"`
	BlockBatchSize    uint64              `toml:"block_batch_size"`
	StartBlock        uint64              `toml:"start_block"` // 0 = start from current head
	RequestTimeout    duration            `toml:"request_timeout"`
	MaxRetries        int                 `toml:"max_retries"`
	HealthInterval    duration            `toml:"health_interval"`
	FailureThreshold  int                 `toml:"failure_threshold"`
}

// ExchangeConfig holds exchange API endpoints and client-side rate limits.
type ExchangeConfig struct {
	BaseURL        string   `toml:"base_url"`
	WsURL          string   `toml:"ws_url"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
	RequestTimeout duration `toml:"request_timeout"`
}

// QueueConfig holds trade queue delivery parameters.
type QueueConfig struct {
	MaxRetries         int      `toml:"max_retries"`
	RetryBase          duration `toml:"retry_base"` // delay = retry_base ^ retry_count (in seconds)
	ClaimTTL           duration `toml:"claim_ttl"`
	ConsumeTimeout     duration `toml:"consume_timeout"`
	SweepInterval      duration `toml:"sweep_interval"`
	CompletedRetention duration `toml:"completed_retention"`
}

// CopyConfig holds signal generation and execution worker parameters.
type CopyConfig struct {
	Workers      int      `toml:"workers"`
	Slippage     float64  `toml:"slippage"` // limit price offset, fraction of price
	TickSize     float64  `toml:"tick_size"`
	BudgetWindow duration `toml:"budget_window"` // subscription volume budget window
}

// SmartConfig holds smart order execution thresholds.
type SmartConfig struct {
	SmallOrderUSD float64  `toml:"small_order_usd"`
	LargeOrderUSD float64  `toml:"large_order_usd"`
	MaxChunks     int      `toml:"max_chunks"`
	ChunkDelay    duration `toml:"chunk_delay"`
	MaxSlippage   float64  `toml:"max_slippage"` // fraction, e.g. 0.05
}

// RiskConfig holds circuit breaker and watchdog parameters.
type RiskConfig struct {
	FailureRateThreshold  float64  `toml:"failure_rate_threshold"`
	FailureWindow         duration `toml:"failure_window"`
	CheckInterval         duration `toml:"check_interval"`
	UserDailyLossLimitUSD float64  `toml:"user_daily_loss_limit_usd"`
	CoolingPeriod         duration `toml:"cooling_period"`
	SpikeMultiple         float64  `toml:"spike_multiple"`
	PortfolioLossFraction float64  `toml:"portfolio_loss_fraction"`
}

// ReconcileConfig holds reconciliation service parameters.
type ReconcileConfig struct {
	Interval             duration   `toml:"interval"`
	PendingTimeout       duration   `toml:"pending_timeout"`
	RetryDelays          []duration `toml:"retry_delays"`
	MaxRetries           int        `toml:"max_retries"`
	DiscrepancyThreshold float64    `toml:"discrepancy_threshold"`
}

// RetryDelayDurations returns the retry ladder as plain time.Durations.
func (c ReconcileConfig) RetryDelayDurations() []time.Duration {
	out := make([]time.Duration, len(c.RetryDelays))
	for i, d := range c.RetryDelays {
		out[i] = d.Duration
	}
	return out
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for report archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SecretsConfig holds the master password for decrypting stored user API
// credentials. Inject via COPYBOT_SECRETS_MASTER_PASSWORD in production.
type SecretsConfig struct {
	MasterPassword string `toml:"master_password"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Endpoints: []RPCEndpointConfig{
				{URL: "https://polygon-rpc.com", Priority: 1},
			},
			ConfirmationDepth: 12,
			PollInterval:      duration{5 * time.Second},
			BlockBatchSize:    100,
			RequestTimeout:    duration{30 * time.Second},
			MaxRetries:        5,
			HealthInterval:    duration{60 * time.Second},
			FailureThreshold:  3,
		},
		Exchange: ExchangeConfig{
			BaseURL:        "https://clob.polymarket.com",
			WsURL:          "wss://ws-subscriptions-clob.polymarket.com",
			RateLimit:      10,
			RateWindow:     duration{time.Second},
			RequestTimeout: duration{30 * time.Second},
		},
		Queue: QueueConfig{
			MaxRetries:         3,
			RetryBase:          duration{5 * time.Second},
			ClaimTTL:           duration{300 * time.Second},
			ConsumeTimeout:     duration{5 * time.Second},
			SweepInterval:      duration{30 * time.Second},
			CompletedRetention: duration{24 * time.Hour},
		},
		Copy: CopyConfig{
			Workers:      4,
			Slippage:     0.02,
			TickSize:     0.01,
			BudgetWindow: duration{30 * 24 * time.Hour},
		},
		Smart: SmartConfig{
			SmallOrderUSD: 100,
			LargeOrderUSD: 1000,
			MaxChunks:     10,
			ChunkDelay:    duration{30 * time.Second},
			MaxSlippage:   0.05,
		},
		Risk: RiskConfig{
			FailureRateThreshold:  0.50,
			FailureWindow:         duration{time.Hour},
			CheckInterval:         duration{time.Minute},
			UserDailyLossLimitUSD: 500,
			CoolingPeriod:         duration{24 * time.Hour},
			SpikeMultiple:         10,
			PortfolioLossFraction: 0.50,
		},
		Reconcile: ReconcileConfig{
			Interval:       duration{5 * time.Minute},
			PendingTimeout: duration{5 * time.Minute},
			RetryDelays: []duration{
				{time.Minute},
				{5 * time.Minute},
				{15 * time.Minute},
			},
			MaxRetries:           3,
			DiscrepancyThreshold: 0.10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copybot-reports",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "trader_paused", "permanent_failure", "daily_report", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"listener":  true,
	"worker":    true,
	"reconcile": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: listener, worker, reconcile, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain — only required when the listener runs.
	needsChain := c.Mode == "listener" || c.Mode == "full" || c.Mode == "reconcile"
	if needsChain {
		if len(c.Chain.Endpoints) == 0 {
			errs = append(errs, "chain: at least one rpc endpoint is required for mode "+c.Mode)
		}
		for i, ep := range c.Chain.Endpoints {
			if ep.URL == "" {
				errs = append(errs, fmt.Sprintf("chain: endpoints[%d].url must not be empty", i))
			}
		}
	}
	if c.Mode == "listener" || c.Mode == "full" {
		if c.Chain.ExchangeContract == "" {
			errs = append(errs, "chain: exchange_contract must not be empty for mode "+c.Mode)
		}
		if c.Chain.ConfirmationDepth < 1 {
			errs = append(errs, "chain: confirmation_depth must be >= 1")
		}
		if c.Chain.BlockBatchSize < 1 {
			errs = append(errs, "chain: block_batch_size must be >= 1")
		}
	}

	// Exchange
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.RateLimit < 1 {
		errs = append(errs, "exchange: rate_limit must be >= 1")
	}

	// Queue
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, "queue: max_retries must be >= 0")
	}
	if c.Queue.RetryBase.Duration <= 0 {
		errs = append(errs, "queue: retry_base must be > 0")
	}
	if c.Queue.ClaimTTL.Duration <= 0 {
		errs = append(errs, "queue: claim_ttl must be > 0")
	}

	// Copy
	if c.Copy.Workers < 1 {
		errs = append(errs, "copy: workers must be >= 1")
	}
	if c.Copy.Slippage <= 0 || c.Copy.Slippage >= 1 {
		errs = append(errs, fmt.Sprintf("copy: slippage must be in (0,1), got %g", c.Copy.Slippage))
	}
	if c.Copy.TickSize <= 0 {
		errs = append(errs, "copy: tick_size must be > 0")
	}

	// Smart
	if c.Smart.SmallOrderUSD <= 0 || c.Smart.LargeOrderUSD <= c.Smart.SmallOrderUSD {
		errs = append(errs, "smart: require 0 < small_order_usd < large_order_usd")
	}
	if c.Smart.MaxChunks < 1 {
		errs = append(errs, "smart: max_chunks must be >= 1")
	}
	if c.Smart.MaxSlippage <= 0 || c.Smart.MaxSlippage >= 1 {
		errs = append(errs, fmt.Sprintf("smart: max_slippage must be in (0,1), got %g", c.Smart.MaxSlippage))
	}

	// Risk
	if c.Risk.FailureRateThreshold <= 0 || c.Risk.FailureRateThreshold > 1 {
		errs = append(errs, "risk: failure_rate_threshold must be in (0,1]")
	}
	if c.Risk.FailureWindow.Duration <= 0 {
		errs = append(errs, "risk: failure_window must be > 0")
	}
	if c.Risk.SpikeMultiple <= 1 {
		errs = append(errs, "risk: spike_multiple must be > 1")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if len(c.Reconcile.RetryDelays) == 0 {
		errs = append(errs, "reconcile: retry_delays must not be empty")
	}
	if c.Reconcile.DiscrepancyThreshold <= 0 {
		errs = append(errs, "reconcile: discrepancy_threshold must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Secrets — required wherever the execution worker runs.
	needsSecrets := c.Mode == "worker" || c.Mode == "full"
	if needsSecrets && c.Secrets.MasterPassword == "" {
		errs = append(errs, "secrets: master_password is required for mode "+c.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
