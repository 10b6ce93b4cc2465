package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 3*time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, uint64(2), cfg.Ledger.StartBlockOffset)
	assert.Equal(t, 5*time.Minute, cfg.Oracle.CacheTTL)
	assert.Equal(t, 5, cfg.Oracle.Breaker.FailureThreshold)
	assert.Equal(t, "streams", cfg.Sink.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Sink.InitialBackoff)
	assert.Equal(t, "1.0", cfg.Bot.MinHealthFactor)
	assert.Equal(t, 300, cfg.Bot.MinDelaySeconds)
	assert.False(t, cfg.PushMode())
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("SOMNIA_RPC_URL", "http://rpc.local")
	t.Setenv("SOMNIA_WS_URL", "ws://rpc.local")
	t.Setenv("LENDING_ADDR", "0x00000000000000000000000000000000000000aa")
	t.Setenv("BOT_ENABLED", "true")
	t.Setenv("BOT_MIN_DELAY", "60")
	t.Setenv("BOT_MONITORED_POSITIONS", "0x01,0x02")
	t.Setenv("PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://rpc.local", cfg.Ledger.RPCURL)
	assert.True(t, cfg.PushMode())
	assert.True(t, cfg.Bot.Enabled)
	assert.Equal(t, 60, cfg.Bot.MinDelaySeconds)
	assert.Equal(t, []string{"0x01", "0x02"}, cfg.Bot.MonitoredPositions)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("RELAYER_LEDGER_RPC_URL", "http://primary")
	t.Setenv("SOMNIA_RPC_URL", "http://legacy")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://primary", cfg.Ledger.RPCURL)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayer.yaml")
	body := []byte(`
sink:
  backend: kafka
kafka:
  brokers: ["localhost:9092"]
oracle:
  chainlink_feeds:
    "0x00000000000000000000000000000000000000c1": "0x00000000000000000000000000000000000000f1"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.Sink.Backend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Len(t, cfg.Oracle.ChainlinkFeeds, 1)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Sink.Backend = "s3"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Sink.Backend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres sink needs a dsn")

	cfg = base()
	cfg.Oracle.FallbackDebtUSD = "-1"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Ledger.LendingAddress = "not-an-address"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Alerting.Telegram.Enabled = true
	assert.Error(t, cfg.Validate())
}
