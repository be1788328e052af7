// Package config defines the top-level configuration for marketd and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/forecastex/marketd/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MARKETD_* environment
// variables.
type Config struct {
	Market     MarketConfig     `toml:"market"`
	Authority  AuthorityConfig  `toml:"authority"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// BonusTierConfig is one settlement bonus tier. An empty ceiling marks the
// unbounded top tier.
type BonusTierConfig struct {
	Ceiling  string `toml:"ceiling"` // decimal string of internal units
	BonusBps int64  `toml:"bonus_bps"`
}

// MarketConfig holds the immutable parameters of the market instance this
// process serves. Monetary values are decimal strings of internal base units.
type MarketConfig struct {
	ID      string `toml:"id"`
	Version int    `toml:"version"`

	// Bonding curve.
	CurveK             int64  `toml:"curve_k"`
	FeeBps             int64  `toml:"fee_bps"`
	MigrationThreshold string `toml:"migration_threshold"`
	DustTolerance      string `toml:"dust_tolerance"`

	// Leverage.
	MinCollateral   string `toml:"min_collateral"`
	MaxLeverage     int64  `toml:"max_leverage"`
	BorrowRateBps   int64  `toml:"borrow_rate_bps"`
	LiqThresholdBps int64  `toml:"liq_threshold_bps"`
	InsuranceFeeBps int64  `toml:"insurance_fee_bps"`
	LiquidatorBps   int64  `toml:"liquidator_bps"`

	// Settlement.
	BonusTiers   []BonusTierConfig `toml:"bonus_tiers"`
	ClaimCooloff duration          `toml:"claim_cooloff"`

	// Collaterals.
	VaultMultiplier int64 `toml:"vault_multiplier"`
	MaxUtilBps      int64 `toml:"max_util_bps"`
}

// AuthorityConfig holds the co-signing authority identity and, for processes
// that sign (keeper mode), the signing key source.
type AuthorityConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// KeeperConfig holds the liquidation keeper parameters.
type KeeperConfig struct {
	Interval         duration `toml:"interval"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds journal cold-storage parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Prune         bool     `toml:"prune"`
}

// CheckpointConfig holds state snapshot persistence parameters.
type CheckpointConfig struct {
	Interval duration `toml:"interval"`
}

// duration wraps time.Duration to support TOML string decoding (e.g. "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			Version:            1,
			CurveK:             100,
			FeeBps:             50,
			MigrationThreshold: "50000000000",
			DustTolerance:      "1000",
			MinCollateral:      "1000000",
			MaxLeverage:        5,
			BorrowRateBps:      1000,
			LiqThresholdBps:    12000,
			InsuranceFeeBps:    500,
			LiquidatorBps:      500,
			BonusTiers: []BonusTierConfig{
				{Ceiling: "1000000000", BonusBps: 500},
				{Ceiling: "10000000000", BonusBps: 1000},
				{Ceiling: "", BonusBps: 1500},
			},
			ClaimCooloff:    duration{30 * 24 * time.Hour},
			VaultMultiplier: 1,
			MaxUtilBps:      8000,
		},
		Keeper: KeeperConfig{
			Interval: duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
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
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			Prune:         false,
		},
		Checkpoint: CheckpointConfig{
			Interval: duration{time.Minute},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       100,
			RateLimitWindow: duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"position_liquidated", "migration", "resolution", "sweep"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"keeper": true,
	"full":   true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.ID == "" {
		errs = append(errs, "market: id must not be empty")
	}
	if c.Market.CurveK <= 0 {
		errs = append(errs, "market: curve_k must be > 0")
	}
	if c.Market.FeeBps < 0 || c.Market.FeeBps >= 10000 {
		errs = append(errs, fmt.Sprintf("market: fee_bps must be in [0, 10000), got %d", c.Market.FeeBps))
	}
	if _, ok := parseUnits(c.Market.MigrationThreshold); !ok {
		errs = append(errs, "market: migration_threshold must be a positive decimal string")
	}
	if c.Market.MaxLeverage < 1 {
		errs = append(errs, "market: max_leverage must be >= 1")
	}
	if c.Market.LiqThresholdBps <= 10000 {
		errs = append(errs, "market: liq_threshold_bps must be > 10000")
	}
	if c.Market.InsuranceFeeBps+c.Market.LiquidatorBps > 10000 {
		errs = append(errs, "market: insurance_fee_bps + liquidator_bps must not exceed 10000")
	}
	if c.Market.MaxUtilBps <= 0 || c.Market.MaxUtilBps > 10000 {
		errs = append(errs, fmt.Sprintf("market: max_util_bps must be in (0, 10000], got %d", c.Market.MaxUtilBps))
	}
	for i, tier := range c.Market.BonusTiers {
		if tier.Ceiling == "" {
			if i != len(c.Market.BonusTiers)-1 {
				errs = append(errs, "market: only the last bonus tier may omit its ceiling")
			}
			continue
		}
		if _, ok := parseUnits(tier.Ceiling); !ok {
			errs = append(errs, fmt.Sprintf("market: bonus tier %d ceiling must be a positive decimal string", i))
		}
	}

	// Authority
	if c.Authority.Address == "" {
		errs = append(errs, "authority: address must not be empty")
	}

	// Keeper modes need signing keys.
	if c.Mode == "keeper" || c.Mode == "full" {
		if c.Keeper.PrivateKey == "" && c.Keeper.EncryptedKeyPath == "" {
			errs = append(errs, "keeper: either private_key or encrypted_key_path must be set")
		}
		if c.Keeper.EncryptedKeyPath != "" && c.Keeper.KeyPassword == "" {
			errs = append(errs, "keeper: key_password is required when encrypted_key_path is set")
		}
		if c.Authority.PrivateKey == "" && c.Authority.EncryptedKeyPath == "" {
			errs = append(errs, "authority: a signing key is required to co-sign keeper liquidations")
		}
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
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

	// S3 — only needed when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server modes expose the HTTP API.
	if c.Mode == "serve" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MarketParams converts the market section into the engine's parameter
// struct. Validate must have passed first; malformed numbers fail here too.
func (c *Config) MarketParams() (domain.MarketParams, error) {
	threshold, ok := parseUnits(c.Market.MigrationThreshold)
	if !ok {
		return domain.MarketParams{}, fmt.Errorf("config: invalid migration_threshold %q", c.Market.MigrationThreshold)
	}
	dust, ok := parseUnits(c.Market.DustTolerance)
	if !ok {
		return domain.MarketParams{}, fmt.Errorf("config: invalid dust_tolerance %q", c.Market.DustTolerance)
	}
	minCollateral, ok := parseUnits(c.Market.MinCollateral)
	if !ok {
		return domain.MarketParams{}, fmt.Errorf("config: invalid min_collateral %q", c.Market.MinCollateral)
	}

	var tiers []domain.BonusTier
	for i, tier := range c.Market.BonusTiers {
		t := domain.BonusTier{BonusBps: tier.BonusBps}
		if tier.Ceiling != "" {
			ceiling, ok := parseUnits(tier.Ceiling)
			if !ok {
				return domain.MarketParams{}, fmt.Errorf("config: invalid bonus tier %d ceiling %q", i, tier.Ceiling)
			}
			t.Ceiling = ceiling
		}
		tiers = append(tiers, t)
	}

	return domain.MarketParams{
		MarketID:           c.Market.ID,
		Version:            c.Market.Version,
		CurveK:             c.Market.CurveK,
		FeeBps:             c.Market.FeeBps,
		MigrationThreshold: threshold,
		DustTolerance:      dust,
		MinCollateral:      minCollateral,
		MaxLeverage:        c.Market.MaxLeverage,
		BorrowRateBps:      c.Market.BorrowRateBps,
		LiqThresholdBps:    c.Market.LiqThresholdBps,
		InsuranceFeeBps:    c.Market.InsuranceFeeBps,
		LiquidatorBps:      c.Market.LiquidatorBps,
		BonusTiers:         tiers,
		ClaimCooloff:       c.Market.ClaimCooloff.Duration,
	}, nil
}

// parseUnits parses a non-negative decimal string of internal base units.
func parseUnits(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}
