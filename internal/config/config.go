package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"equity-scanner/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Gaps      GapConfig       `mapstructure:"gaps"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Market    MarketConfig    `mapstructure:"market"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Export    ExportConfig    `mapstructure:"export"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ProviderConfig covers external market-data API access and quota policy.
type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	DailyQuota       int           `mapstructure:"daily_quota"`
	MinCallInterval  time.Duration `mapstructure:"min_call_interval"`
	TransientRetries int           `mapstructure:"transient_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// SchedulerConfig governs job cadences and the pause policy.
type SchedulerConfig struct {
	DailyUpdateInterval   time.Duration `mapstructure:"daily_update_interval"`
	CatchupInterval       time.Duration `mapstructure:"catchup_interval"`
	ShortInterestInterval time.Duration `mapstructure:"short_interest_interval"`
	PauseDuration         time.Duration `mapstructure:"pause_duration"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	AdvisoryLockKey       int64         `mapstructure:"advisory_lock_key"`
	StartupDelay          time.Duration `mapstructure:"startup_delay"`
}

// QueueConfig tunes the recalculation queue processor.
type QueueConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// GapConfig tunes gap detection and the unavailable-data retry policy.
type GapConfig struct {
	UnavailableRetryDelay  time.Duration `mapstructure:"unavailable_retry_delay"`
	MaxUnavailableAttempts int           `mapstructure:"max_unavailable_attempts"`
	ProfileStaleAfter      time.Duration `mapstructure:"profile_stale_after"`
	StatementStaleAfter    time.Duration `mapstructure:"statement_stale_after"`
	ShortInterestStale     time.Duration `mapstructure:"short_interest_stale_after"`
	PriceLookbackDays      int           `mapstructure:"price_lookback_days"`
}

// UniverseConfig fixes the tracked symbol set.
type UniverseConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

// MarketConfig carries the holiday calendar used for trading-day math.
type MarketConfig struct {
	Holidays []string `mapstructure:"holidays"`
}

// NotifyConfig routes operator notifications for terminal failures.
type NotifyConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram operator channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EQUITYSCANNER")
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
	v.SetDefault("app.name", "equity-scanner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("provider.base_url", "https://financialmodelingprep.com/api/v3")
	v.SetDefault("provider.request_timeout", "15s")
	v.SetDefault("provider.daily_quota", 250)
	v.SetDefault("provider.min_call_interval", "1s")
	v.SetDefault("provider.transient_retries", 2)
	v.SetDefault("provider.retry_backoff", "2s")
	v.SetDefault("provider.user_agent", "equity-scanner/1.0")

	v.SetDefault("scheduler.daily_update_interval", "24h")
	v.SetDefault("scheduler.catchup_interval", "4h")
	v.SetDefault("scheduler.short_interest_interval", "168h")
	v.SetDefault("scheduler.pause_duration", "1h")
	v.SetDefault("scheduler.failure_threshold", 3)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65715343))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("queue.drain_interval", "30s")
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.max_attempts", 3)

	v.SetDefault("gaps.unavailable_retry_delay", "24h")
	v.SetDefault("gaps.max_unavailable_attempts", 2)
	v.SetDefault("gaps.profile_stale_after", "168h")
	v.SetDefault("gaps.statement_stale_after", "2160h")
	v.SetDefault("gaps.short_interest_stale_after", "336h")
	v.SetDefault("gaps.price_lookback_days", 30)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Provider.DailyQuota <= 0 {
		return fmt.Errorf("provider.daily_quota must be greater than zero")
	}
	if c.Provider.TransientRetries < 0 {
		return fmt.Errorf("provider.transient_retries must not be negative")
	}
	if c.Queue.DrainInterval <= 0 {
		return fmt.Errorf("queue.drain_interval must be greater than zero")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be greater than zero")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be greater than zero")
	}
	if c.Scheduler.FailureThreshold <= 0 {
		return fmt.Errorf("scheduler.failure_threshold must be greater than zero")
	}
	if c.Gaps.MaxUnavailableAttempts <= 0 {
		return fmt.Errorf("gaps.max_unavailable_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, raw := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			return fmt.Errorf("market.holidays entry %q is not a YYYY-MM-DD date", raw)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// HolidaySet parses market.holidays into a date-keyed lookup. Keys are
// YYYY-MM-DD strings so callers test membership, never range over dates.
func (c *Config) HolidaySet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Market.Holidays))
	for _, raw := range c.Market.Holidays {
		set[raw] = struct{}{}
	}
	return set
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
