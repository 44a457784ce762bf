package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the workflow service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Entity    EntityConfig    `mapstructure:"entity"`
	Format    FormatConfig    `mapstructure:"format"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimitMB  int           `mapstructure:"body_limit_mb"`
	CORSOrigins  string        `mapstructure:"cors_origins"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EngineConfig tunes the run orchestrator and its worker pool
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	BatchParallelism int           `mapstructure:"batch_parallelism"`
	PopWaitTimeout   time.Duration `mapstructure:"pop_wait_timeout"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
}

// SchedulerConfig tunes the cron reconcile loop
type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// EntityConfig points at the entity-registry service
type EntityConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// FormatConfig tunes format ingestion and output delivery
type FormatConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	PushRPS    int           `mapstructure:"push_rps"`
	StashTTL   time.Duration `mapstructure:"stash_ttl"`
	OutputTTL  time.Duration `mapstructure:"output_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// Load loads configuration from config files and the environment
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/workflow-service")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WORKFLOW_SERVICE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8085)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.body_limit_mb", 16)
	viper.SetDefault("server.cors_origins", "*")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "workflow_service")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	// Engine defaults
	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.max_concurrent", 8)
	viper.SetDefault("engine.batch_parallelism", 4)
	viper.SetDefault("engine.pop_wait_timeout", "5s")
	viper.SetDefault("engine.default_timeout", "5m")

	// Scheduler defaults
	viper.SetDefault("scheduler.interval", "30s")
	viper.SetDefault("scheduler.stale_after", "30m")

	// Entity registry defaults
	viper.SetDefault("entity.base_url", "http://localhost:8081")
	viper.SetDefault("entity.api_key", "")
	viper.SetDefault("entity.max_retries", 3)

	// Format defaults
	viper.SetDefault("format.max_retries", 3)
	viper.SetDefault("format.push_rps", 10)
	viper.SetDefault("format.stash_ttl", "1h")
	viper.SetDefault("format.output_ttl", "24h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if config.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}

	if config.Entity.BaseURL == "" {
		return fmt.Errorf("entity registry base_url is required")
	}

	if config.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
