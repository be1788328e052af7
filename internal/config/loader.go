package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the given TOML file path, then applies
// environment variable overrides. A missing file is not an error; defaults
// plus environment are used instead. Environment variables use the MARKETD_
// prefix, e.g. MARKETD_POSTGRES_PASSWORD overrides postgres.password.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	// .env is optional; ignore its absence.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mutates cfg in place from MARKETD_* environment
// variables. Only variables that are set and non-empty take effect.
func applyEnvOverrides(cfg *Config) {
	setStr("MARKETD_MODE", &cfg.Mode)
	setStr("MARKETD_LOG_LEVEL", &cfg.LogLevel)

	setStr("MARKETD_MARKET_ID", &cfg.Market.ID)
	setStr("MARKETD_MARKET_MIGRATION_THRESHOLD", &cfg.Market.MigrationThreshold)
	setInt64("MARKETD_MARKET_FEE_BPS", &cfg.Market.FeeBps)
	setInt64("MARKETD_MARKET_MAX_LEVERAGE", &cfg.Market.MaxLeverage)

	setStr("MARKETD_AUTHORITY_ADDRESS", &cfg.Authority.Address)
	setStr("MARKETD_AUTHORITY_PRIVATE_KEY", &cfg.Authority.PrivateKey)
	setStr("MARKETD_AUTHORITY_ENCRYPTED_KEY_PATH", &cfg.Authority.EncryptedKeyPath)
	setStr("MARKETD_AUTHORITY_KEY_PASSWORD", &cfg.Authority.KeyPassword)

	setDuration("MARKETD_KEEPER_INTERVAL", &cfg.Keeper.Interval)
	setStr("MARKETD_KEEPER_PRIVATE_KEY", &cfg.Keeper.PrivateKey)
	setStr("MARKETD_KEEPER_ENCRYPTED_KEY_PATH", &cfg.Keeper.EncryptedKeyPath)
	setStr("MARKETD_KEEPER_KEY_PASSWORD", &cfg.Keeper.KeyPassword)

	setStr("MARKETD_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("MARKETD_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("MARKETD_POSTGRES_PORT", &cfg.Postgres.Port)
	setStr("MARKETD_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setStr("MARKETD_POSTGRES_USER", &cfg.Postgres.User)
	setStr("MARKETD_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setStr("MARKETD_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	setInt("MARKETD_POSTGRES_POOL_MAX_CONNS", &cfg.Postgres.PoolMaxConns)
	setBool("MARKETD_POSTGRES_RUN_MIGRATIONS", &cfg.Postgres.RunMigrations)

	setStr("MARKETD_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("MARKETD_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("MARKETD_REDIS_DB", &cfg.Redis.DB)
	setBool("MARKETD_REDIS_TLS_ENABLED", &cfg.Redis.TLSEnabled)

	setStr("MARKETD_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("MARKETD_S3_REGION", &cfg.S3.Region)
	setStr("MARKETD_S3_BUCKET", &cfg.S3.Bucket)
	setStr("MARKETD_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("MARKETD_S3_SECRET_KEY", &cfg.S3.SecretKey)
	setBool("MARKETD_S3_USE_SSL", &cfg.S3.UseSSL)

	setBool("MARKETD_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	setInt("MARKETD_ARCHIVE_RETENTION_DAYS", &cfg.Archive.RetentionDays)
	setDuration("MARKETD_ARCHIVE_INTERVAL", &cfg.Archive.Interval)
	setBool("MARKETD_ARCHIVE_PRUNE", &cfg.Archive.Prune)

	setDuration("MARKETD_CHECKPOINT_INTERVAL", &cfg.Checkpoint.Interval)

	setInt("MARKETD_SERVER_PORT", &cfg.Server.Port)
	setStringSlice("MARKETD_SERVER_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	setStr("MARKETD_SERVER_API_KEY", &cfg.Server.APIKey)
	setInt("MARKETD_SERVER_RATE_LIMIT", &cfg.Server.RateLimit)
	setDuration("MARKETD_SERVER_RATE_LIMIT_WINDOW", &cfg.Server.RateLimitWindow)

	setStr("MARKETD_NOTIFY_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("MARKETD_NOTIFY_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("MARKETD_NOTIFY_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("MARKETD_NOTIFY_EVENTS", &cfg.Notify.Events)
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
