package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"arbwatch/internal/logging"
	"arbwatch/internal/model"
	"arbwatch/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Assets     []model.Asset    `mapstructure:"assets"`
	Exchanges  []model.Exchange `mapstructure:"exchanges"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Direct     DirectConfig     `mapstructure:"direct"`
	Cache      CacheConfig      `mapstructure:"cache"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`

	AssetsJSON    string `mapstructure:"assets_json"`
	ExchangesJSON string `mapstructure:"exchanges_json"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// RefreshConfig tunes a single refresh cycle.
type RefreshConfig struct {
	Quote           string        `mapstructure:"quote"`
	MinVolumeUSD    float64       `mapstructure:"min_volume_usd"`
	MinNetSpreadPct float64       `mapstructure:"min_net_spread_pct"`
	Delay           time.Duration `mapstructure:"delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	VolumePolicy    string        `mapstructure:"volume_policy"`
}

// AggregatorConfig covers the ticker aggregation API.
type AggregatorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APIKeyHeader   string        `mapstructure:"api_key_header"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DirectConfig covers the exchange queried without the aggregator.
type DirectConfig struct {
	ExchangeID        string        `mapstructure:"exchange_id"`
	BaseURL           string        `mapstructure:"base_url"`
	OMSID             int           `mapstructure:"oms_id"`
	PivotInstrumentID int           `mapstructure:"pivot_instrument_id"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig selects the snapshot store.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
}

// RedisConfig for the redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLiteConfig for the sqlite cache backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// HTTPConfig for the query endpoint.
type HTTPConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	if err := cfg.applyJSONOverrides(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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
	v.SetDefault("app.name", "arbwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61726277))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("refresh.quote", "USDT")
	v.SetDefault("refresh.min_volume_usd", 0.0)
	v.SetDefault("refresh.min_net_spread_pct", 0.2)
	v.SetDefault("refresh.delay", "1200ms")
	v.SetDefault("refresh.cycle_timeout", "0s")
	v.SetDefault("refresh.volume_policy", "lenient")

	v.SetDefault("aggregator.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("aggregator.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("aggregator.request_timeout", "10s")
	v.SetDefault("aggregator.user_agent", version.UserAgent())

	v.SetDefault("direct.exchange_id", "coinext")
	v.SetDefault("direct.base_url", "https://api.coinext.com.br:8443/AP")
	v.SetDefault("direct.oms_id", 1)
	v.SetDefault("direct.pivot_instrument_id", 10)
	v.SetDefault("direct.request_timeout", "10s")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.key", "latest")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.sqlite.path", "data/arbwatch.db")

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.allow_origins", []string{"*"})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 1.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	// Keys without a default must be known to viper for env-only deployments.
	for _, key := range []string{
		"assets_json",
		"exchanges_json",
		"aggregator.api_key",
		"database.dsn",
		"cache.redis.password",
		"alerting.telegram.bot_token",
		"alerting.telegram.chat_id",
		"logging.file",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applyJSONOverrides lets deployments pass the asset and exchange lists as single JSON env vars.
func (c *Config) applyJSONOverrides() error {
	if s := strings.TrimSpace(c.AssetsJSON); s != "" {
		var assets []model.Asset
		if err := json.Unmarshal([]byte(s), &assets); err != nil {
			return fmt.Errorf("parse assets_json: %w", err)
		}
		c.Assets = assets
	}
	if s := strings.TrimSpace(c.ExchangesJSON); s != "" {
		var exchanges []model.Exchange
		if err := json.Unmarshal([]byte(s), &exchanges); err != nil {
			return fmt.Errorf("parse exchanges_json: %w", err)
		}
		c.Exchanges = exchanges
	}
	return nil
}

func (c *Config) normalize() {
	c.Refresh.Quote = strings.ToUpper(strings.TrimSpace(c.Refresh.Quote))
	c.Refresh.VolumePolicy = strings.ToLower(strings.TrimSpace(c.Refresh.VolumePolicy))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	for i := range c.Assets {
		c.Assets[i].ID = strings.TrimSpace(c.Assets[i].ID)
	}
	for i := range c.Exchanges {
		c.Exchanges[i].ID = strings.TrimSpace(c.Exchanges[i].ID)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Refresh.Delay < 0 {
		return fmt.Errorf("refresh.delay cannot be negative")
	}
	if c.Refresh.CycleTimeout < 0 {
		return fmt.Errorf("refresh.cycle_timeout cannot be negative")
	}
	if c.Refresh.MinVolumeUSD < 0 || !finite(c.Refresh.MinVolumeUSD) {
		return fmt.Errorf("refresh.min_volume_usd must be a non-negative number")
	}
	if !finite(c.Refresh.MinNetSpreadPct) {
		return fmt.Errorf("refresh.min_net_spread_pct must be finite")
	}
	switch c.Refresh.VolumePolicy {
	case "lenient", "strict":
	default:
		return fmt.Errorf("refresh.volume_policy %q is not supported (lenient, strict)", c.Refresh.VolumePolicy)
	}

	seen := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		if a.ID == "" {
			return fmt.Errorf("assets[%d].id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("assets[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(c.Exchanges))
	for i, e := range c.Exchanges {
		if e.ID == "" {
			return fmt.Errorf("exchanges[%d].id is required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("exchanges[%d].id %q is duplicated", i, e.ID)
		}
		if e.TakerFeePct < 0 || !finite(e.TakerFeePct) {
			return fmt.Errorf("exchanges[%d].taker_fee_pct must be a non-negative number", i)
		}
		seen[e.ID] = struct{}{}
	}

	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("cache.backend postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Cache.Key) == "" {
		return fmt.Errorf("cache.key is required")
	}

	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// DirectEnabled reports whether the direct exchange is among the configured exchanges.
func (c *Config) DirectEnabled() bool {
	for _, e := range c.Exchanges {
		if e.ID == c.Direct.ExchangeID {
			return true
		}
	}
	return false
}

// AggregatorExchangeIDs lists configured exchanges served by the aggregator, in configured order.
func (c *Config) AggregatorExchangeIDs() []string {
	ids := make([]string, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		if e.ID == c.Direct.ExchangeID {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
