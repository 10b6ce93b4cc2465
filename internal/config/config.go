package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"position-relayer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Position PositionConfig `mapstructure:"position"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bot      BotConfig      `mapstructure:"bot"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the observability/control listener.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LedgerConfig covers the upstream lending contract and its RPC endpoints.
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	WSURL            string        `mapstructure:"ws_url"`
	LendingAddress   string        `mapstructure:"lending_address"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StartBlockOffset uint64        `mapstructure:"start_block_offset"`
	MaxBlockRange    uint64        `mapstructure:"max_block_range"`
	ChainID          int64         `mapstructure:"chain_id"`
}

// PositionConfig describes the static attributes stamped onto every record.
type PositionConfig struct {
	Protocol        string `mapstructure:"protocol"`
	CollateralToken string `mapstructure:"collateral_token"`
	DebtToken       string `mapstructure:"debt_token"`
}

// OracleConfig parameterises price resolution.
type OracleConfig struct {
	CacheTTL              time.Duration     `mapstructure:"cache_ttl"`
	MaxStaleness          time.Duration     `mapstructure:"max_staleness"`
	MaxDeviationPct       int64             `mapstructure:"max_deviation_pct"`
	RequestTimeout        time.Duration     `mapstructure:"request_timeout"`
	FallbackCollateralUSD string            `mapstructure:"fallback_collateral_usd"`
	FallbackDebtUSD       string            `mapstructure:"fallback_debt_usd"`
	ChainlinkFeeds        map[string]string `mapstructure:"chainlink_feeds"`
	UniswapV3Pools        map[string]string `mapstructure:"uniswap_v3_pools"`
	UniswapV2Pairs        map[string]string `mapstructure:"uniswap_v2_pairs"`
	Breaker               BreakerConfig     `mapstructure:"breaker"`
}

// BreakerConfig tunes the oracle circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// SinkConfig selects and tunes the append-only store backend.
type SinkConfig struct {
	Backend        string        `mapstructure:"backend"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	StreamsAddress string        `mapstructure:"streams_address"`
	PrivateKey     string        `mapstructure:"private_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PollLockKey     int64         `mapstructure:"poll_lock_key"`
}

// KafkaConfig covers the kafka sink backend.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig covers the cross-replica rescue guard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BotConfig is the startup configuration of the rescue actuator.
type BotConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	AutoRescue         bool     `mapstructure:"auto_rescue"`
	MinHealthFactor    string   `mapstructure:"min_health_factor"`
	MaxTopUpAmount     string   `mapstructure:"max_top_up_amount"`
	MaxRescuesPerHour  int      `mapstructure:"max_rescues_per_hour"`
	MinDelaySeconds    int      `mapstructure:"min_delay_between_rescues"`
	MonitoredPositions []string `mapstructure:"monitored_positions"`
	PrivateKey         string   `mapstructure:"private_key"`
	RescueAddress      string   `mapstructure:"rescue_address"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// legacyEnv binds the environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"ledger.rpc_url":                "SOMNIA_RPC_URL",
	"ledger.ws_url":                 "SOMNIA_WS_URL",
	"ledger.lending_address":        "LENDING_ADDR",
	"logging.level":                 "LOG_LEVEL",
	"http.port":                     "PORT",
	"sink.private_key":              "PRIVATE_KEY",
	"bot.rescue_address":            "RESCUE_HELPER_ADDR",
	"bot.enabled":                   "BOT_ENABLED",
	"bot.auto_rescue":               "BOT_AUTO_RESCUE",
	"bot.min_health_factor":         "BOT_MIN_HEALTH_FACTOR",
	"bot.max_top_up_amount":         "BOT_MAX_TOP_UP",
	"bot.max_rescues_per_hour":      "BOT_MAX_RESCUES_PER_HOUR",
	"bot.min_delay_between_rescues": "BOT_MIN_DELAY",
	"bot.monitored_positions":       "BOT_MONITORED_POSITIONS",
	"bot.private_key":               "BOT_PRIVATE_KEY",
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RELAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, legacy := range legacyEnv {
		primary := "RELAYER_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "relayer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "relayer")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.poll_interval", "3s")
	v.SetDefault("ledger.start_block_offset", 2)
	v.SetDefault("ledger.max_block_range", 2000)

	v.SetDefault("position.protocol", "")
	v.SetDefault("position.collateral_token", zeroAddressHex)
	v.SetDefault("position.debt_token", zeroAddressHex)

	v.SetDefault("oracle.cache_ttl", "5m")
	v.SetDefault("oracle.max_staleness", "1h")
	v.SetDefault("oracle.max_deviation_pct", 50)
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.fallback_collateral_usd", "2")
	v.SetDefault("oracle.fallback_debt_usd", "1.5")
	v.SetDefault("oracle.breaker.failure_threshold", 5)
	v.SetDefault("oracle.breaker.cooldown", "5m")

	v.SetDefault("sink.backend", "streams")
	v.SetDefault("sink.max_attempts", 5)
	v.SetDefault("sink.initial_backoff", "250ms")
	v.SetDefault("sink.max_backoff", "5s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.poll_lock_key", int64(0x72656c61))

	v.SetDefault("kafka.topic", "positions")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("bot.enabled", false)
	v.SetDefault("bot.auto_rescue", false)
	v.SetDefault("bot.min_health_factor", "1.0")
	v.SetDefault("bot.max_top_up_amount", "100000000000000000")
	v.SetDefault("bot.max_rescues_per_hour", 10)
	v.SetDefault("bot.min_delay_between_rescues", 300)
	v.SetDefault("bot.monitored_positions", []string{})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
}

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("ledger.poll_interval must be greater than zero")
	}
	if c.Ledger.LendingAddress != "" && !common.IsHexAddress(c.Ledger.LendingAddress) {
		return fmt.Errorf("ledger.lending_address is not a valid address")
	}
	if !common.IsHexAddress(c.Position.CollateralToken) {
		return fmt.Errorf("position.collateral_token is not a valid address")
	}
	if !common.IsHexAddress(c.Position.DebtToken) {
		return fmt.Errorf("position.debt_token is not a valid address")
	}
	if c.Oracle.CacheTTL <= 0 {
		return fmt.Errorf("oracle.cache_ttl must be greater than zero")
	}
	if c.Oracle.MaxDeviationPct <= 0 {
		return fmt.Errorf("oracle.max_deviation_pct must be greater than zero")
	}
	for _, usd := range []string{c.Oracle.FallbackCollateralUSD, c.Oracle.FallbackDebtUSD} {
		d, err := decimal.NewFromString(usd)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("oracle fallback price %q must be a positive decimal", usd)
		}
	}
	for _, m := range []map[string]string{c.Oracle.ChainlinkFeeds, c.Oracle.UniswapV3Pools, c.Oracle.UniswapV2Pairs} {
		for token, addr := range m {
			if !common.IsHexAddress(token) || !common.IsHexAddress(addr) {
				return fmt.Errorf("oracle source %s -> %s is not a valid address pair", token, addr)
			}
		}
	}
	if c.Oracle.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("oracle.breaker.failure_threshold must be greater than zero")
	}
	if c.Oracle.Breaker.Cooldown <= 0 {
		return fmt.Errorf("oracle.breaker.cooldown must be greater than zero")
	}
	switch c.Sink.Backend {
	case "streams", "postgres", "kafka":
	default:
		return fmt.Errorf("sink.backend must be one of streams, postgres, kafka")
	}
	if c.Sink.MaxAttempts <= 0 {
		return fmt.Errorf("sink.max_attempts must be greater than zero")
	}
	if c.Sink.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must be configured for the kafka sink")
	}
	if c.Sink.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured for the postgres sink")
	}
	if c.Bot.MaxRescuesPerHour < 0 || c.Bot.MinDelaySeconds < 0 {
		return fmt.Errorf("bot rate limits cannot be negative")
	}
	if c.Bot.RescueAddress != "" && !common.IsHexAddress(c.Bot.RescueAddress) {
		return fmt.Errorf("bot.rescue_address is not a valid address")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// PushMode reports whether events arrive over a streaming subscription.
func (c *Config) PushMode() bool {
	return strings.TrimSpace(c.Ledger.WSURL) != ""
}
