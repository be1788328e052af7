package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Market.ID = "mkt-test"
	cfg.Authority.Address = "0x00000000000000000000000000000000000000aa"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Market.ID = ""
	cfg.Market.FeeBps = 10000
	cfg.Redis.Addr = ""
	cfg.Mode = "sideways"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market: id")
	assert.Contains(t, err.Error(), "fee_bps")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateKeeperModeRequiresKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "keeper"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeper: either private_key or encrypted_key_path")
	assert.Contains(t, err.Error(), "authority: a signing key")

	cfg.Keeper.PrivateKey = "0x01"
	cfg.Authority.PrivateKey = "0x02"
	require.NoError(t, cfg.Validate())
}

func TestValidateBonusTierOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Market.BonusTiers = []BonusTierConfig{
		{Ceiling: "", BonusBps: 500},
		{Ceiling: "1000", BonusBps: 1000},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only the last bonus tier")
}

func TestMarketParamsConversion(t *testing.T) {
	cfg := validConfig()
	cfg.Market.MigrationThreshold = "50000000000"
	cfg.Market.ClaimCooloff = duration{720 * time.Hour}

	params, err := cfg.MarketParams()
	require.NoError(t, err)

	assert.Equal(t, "mkt-test", params.MarketID)
	assert.Equal(t, big.NewInt(50_000_000_000), params.MigrationThreshold)
	assert.Equal(t, 720*time.Hour, params.ClaimCooloff)
	require.Len(t, params.BonusTiers, 3)
	assert.Nil(t, params.BonusTiers[2].Ceiling, "top tier is unbounded")
	assert.Equal(t, int64(1500), params.BonusTiers[2].BonusBps)
}

func TestMarketParamsRejectsMalformedUnits(t *testing.T) {
	cfg := validConfig()
	cfg.Market.DustTolerance = "1e6"
	_, err := cfg.MarketParams()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETD_MARKET_ID", "mkt-env")
	t.Setenv("MARKETD_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MARKETD_KEEPER_INTERVAL", "45s")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "mkt-env", cfg.Market.ID)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 45*time.Second, cfg.Keeper.Interval.Duration)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MARKETD_SERVER_PORT", "not-a-port")
	cfg := Defaults()
	applyEnvOverrides(&cfg)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestDurationTOMLRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(text))
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Authority.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Authority.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Originals untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)

	// Mutating the copy's slices must not leak back.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
