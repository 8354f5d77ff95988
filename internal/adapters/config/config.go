package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents process configuration, read from the environment.
// Strategy policy lives in the strategy registry file, not here.
type Config struct {
	Engine     EngineConfig
	Regime     RegimeConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Telegram   TelegramConfig
	Logging    LoggingConfig
}

// EngineConfig represents decision cycle parameters
type EngineConfig struct {
	CycleInterval       time.Duration `envconfig:"ENGINE_CYCLE_INTERVAL" default:"1m"`
	StrategiesFile      string        `envconfig:"ENGINE_STRATEGIES_FILE" required:"true"`
	ReferenceSymbol     string        `envconfig:"ENGINE_REFERENCE_SYMBOL" default:"BTC/USDT"`
	StalenessThreshold  time.Duration `envconfig:"ENGINE_STALENESS_THRESHOLD" default:"5m"`
	CorrelationInterval time.Duration `envconfig:"ENGINE_CORRELATION_INTERVAL" default:"30m"`
	CorrelationTimeout  time.Duration `envconfig:"ENGINE_CORRELATION_TIMEOUT" default:"30s"`
	CorrelationWindow   int           `envconfig:"ENGINE_CORRELATION_WINDOW" default:"96"`
	RegimeInterval      time.Duration `envconfig:"ENGINE_REGIME_INTERVAL" default:"15m"`
	HealthPort          string        `envconfig:"ENGINE_HEALTH_PORT" default:"8080"`
}

// RegimeConfig represents regime classifier parameters
type RegimeConfig struct {
	FastPeriod            int     `envconfig:"REGIME_FAST_PERIOD" default:"20"`
	SlowPeriod            int     `envconfig:"REGIME_SLOW_PERIOD" default:"50"`
	Hysteresis            int     `envconfig:"REGIME_HYSTERESIS" default:"3"`
	CrisisDrawdownPercent float64 `envconfig:"REGIME_CRISIS_DRAWDOWN_PERCENT" default:"15.0"`
	DrawdownLookback      int     `envconfig:"REGIME_DRAWDOWN_LOOKBACK" default:"30"`
	VolatilityLookback    int     `envconfig:"REGIME_VOLATILITY_LOOKBACK" default:"90"`
}

// DatabaseConfig represents Postgres connection parameters
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	Name            string        `envconfig:"DB_NAME" default:"riskd"`
	User            string        `envconfig:"DB_USER" required:"true"`
	Password        string        `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode         string        `envconfig:"DB_SSLMODE" default:"disable"`
	MigrationsPath  string        `envconfig:"DB_MIGRATIONS_PATH" default:"migrations"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnectTimeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"5s"`
}

// ClickHouseConfig represents the optional decision metrics sink
type ClickHouseConfig struct {
	Enabled bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	DSN     string `envconfig:"CLICKHOUSE_DSN" default:"clickhouse://localhost:9000/riskd"`
}

// RedisConfig represents the optional cycle leader lock
type RedisConfig struct {
	Enabled bool     `envconfig:"REDIS_ENABLED" default:"false"`
	Addrs   []string `envconfig:"REDIS_ADDRS" default:"tcp://localhost:6379"`
}

// TelegramConfig represents the alerting collaborator
type TelegramConfig struct {
	Enabled  bool   `envconfig:"TELEGRAM_ENABLED" default:"false"`
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("cycle_interval must be positive")
	}
	if c.Engine.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness_threshold must be positive")
	}
	if c.Engine.CorrelationWindow < 2 {
		return fmt.Errorf("correlation_window must be at least 2")
	}
	if c.Regime.FastPeriod < 2 || c.Regime.SlowPeriod <= c.Regime.FastPeriod {
		return fmt.Errorf("regime periods must satisfy 2 <= fast < slow")
	}
	if c.Regime.Hysteresis < 1 {
		return fmt.Errorf("regime hysteresis must be at least 1")
	}
	if c.Regime.CrisisDrawdownPercent <= 0 {
		return fmt.Errorf("crisis_drawdown_percent must be positive")
	}
	if c.Database.MaxOpenConns < 1 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database pool must satisfy 1 <= max_idle <= max_open")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram enabled but bot_token or chat_id missing")
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis enabled but no addresses configured")
	}
	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
