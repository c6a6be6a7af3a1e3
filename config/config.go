package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// HTTP API
	HTTP HTTPConfig `mapstructure:"http"`

	// Suffix pools
	Bucket BucketConfig `mapstructure:"bucket"`

	// Redirect tracing
	Tracer TracerConfig `mapstructure:"tracer"`

	// Background generation
	Filler FillerConfig `mapstructure:"filler"`

	// Adaptive generation cadence
	Interval IntervalConfig `mapstructure:"interval"`

	// Retention
	Retention RetentionConfig `mapstructure:"retention"`
}

type PostgresConfig struct {
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns" validate:"gte=0"`
	MinConns          int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type NATSConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
	// Enabled switches low-stock signalling from the in-process channel to JetStream.
	Enabled bool `mapstructure:"enabled"`
}

type PrometheusConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

type HTTPConfig struct {
	Addr            string   `mapstructure:"addr" validate:"required"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min" validate:"gte=0"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	// Request header carrying the visitor country for /r/:offer, e.g. CF-IPCountry.
	GeoHeader string `mapstructure:"geo_header"`
	// Seconds offers stay cached in memory.
	OfferCacheSeconds int `mapstructure:"offer_cache_seconds" validate:"gte=0"`
}

type BucketConfig struct {
	LowStockThreshold int    `mapstructure:"low_stock_threshold" validate:"gte=1"`
	KeyPrefix         string `mapstructure:"key_prefix" validate:"required"`
	// Expected number of distinct suffix values per process; sizes the bloom pre-filter.
	DedupeCapacity  uint    `mapstructure:"dedupe_capacity" validate:"gte=1"`
	DedupeFalseRate float64 `mapstructure:"dedupe_false_rate" validate:"gt=0,lt=1"`
	SignalBuffer    int     `mapstructure:"signal_buffer" validate:"gte=1"`
}

type TracerConfig struct {
	MaxRedirects     int     `mapstructure:"max_redirects" validate:"gte=1"`
	TimeoutMs        int     `mapstructure:"timeout_ms" validate:"gte=100"`
	RetryLimit       int     `mapstructure:"retry_limit" validate:"gte=0"`
	RetryDelayMs     int     `mapstructure:"retry_delay_ms" validate:"gte=0"`
	RequestsPerSec   float64 `mapstructure:"requests_per_sec" validate:"gte=0"`
	Burst            int     `mapstructure:"burst" validate:"gte=1"`
	ProxyURLTemplate string  `mapstructure:"proxy_url_template"`
	RenderEndpoint   string  `mapstructure:"render_endpoint" validate:"omitempty,url"`
	BreakerFailures  uint32  `mapstructure:"breaker_failures" validate:"gte=1"`
}

type FillerConfig struct {
	Concurrency    int `mapstructure:"concurrency" validate:"gte=1"`
	TargetPoolSize int `mapstructure:"target_pool_size" validate:"gte=1"`
	// How often the scheduler checks which offers are due.
	SchedulerTickMs int `mapstructure:"scheduler_tick_ms" validate:"gte=10"`
}

type IntervalConfig struct {
	DefaultIntervalMs int64   `mapstructure:"default_interval_ms" validate:"gte=1"`
	MinIntervalMs     int64   `mapstructure:"min_interval_ms" validate:"gte=1"`
	MaxIntervalMs     int64   `mapstructure:"max_interval_ms" validate:"gtefield=MinIntervalMs"`
	TargetRepeatRatio float64 `mapstructure:"target_repeat_ratio" validate:"gt=0"`
	MinRepeatRatio    float64 `mapstructure:"min_repeat_ratio" validate:"gte=0"`
	ShrinkFactor      float64 `mapstructure:"shrink_factor" validate:"gt=0,lte=1"`
	GrowFactor        float64 `mapstructure:"grow_factor" validate:"gte=1"`
}

type RetentionConfig struct {
	SuffixDays   int `mapstructure:"suffix_days" validate:"gte=1"`
	IntervalDays int `mapstructure:"interval_days" validate:"gte=1"`
	// Minutes between janitor runs.
	SweepMinutes int `mapstructure:"sweep_minutes" validate:"gte=1"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct-level constraints on the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Defaults returns a configuration populated only with default values.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit_per_min", 6000)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.geo_header", "CF-IPCountry")
	v.SetDefault("http.offer_cache_seconds", 30)

	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("bucket.low_stock_threshold", 5)
	v.SetDefault("bucket.key_prefix", "sfx")
	v.SetDefault("bucket.dedupe_capacity", 1_000_000)
	v.SetDefault("bucket.dedupe_false_rate", 0.001)
	v.SetDefault("bucket.signal_buffer", 256)

	v.SetDefault("tracer.max_redirects", 20)
	v.SetDefault("tracer.timeout_ms", 60000)
	v.SetDefault("tracer.retry_limit", 3)
	v.SetDefault("tracer.retry_delay_ms", 2000)
	v.SetDefault("tracer.requests_per_sec", 20)
	v.SetDefault("tracer.burst", 10)
	v.SetDefault("tracer.breaker_failures", 5)

	v.SetDefault("filler.concurrency", 8)
	v.SetDefault("filler.target_pool_size", 20)
	v.SetDefault("filler.scheduler_tick_ms", 1000)

	v.SetDefault("interval.default_interval_ms", 5000)
	v.SetDefault("interval.min_interval_ms", 1000)
	v.SetDefault("interval.max_interval_ms", 30000)
	v.SetDefault("interval.target_repeat_ratio", 5.0)
	v.SetDefault("interval.min_repeat_ratio", 1.0)
	v.SetDefault("interval.shrink_factor", 0.5)
	v.SetDefault("interval.grow_factor", 1.5)

	v.SetDefault("retention.suffix_days", 7)
	v.SetDefault("retention.interval_days", 7)
	v.SetDefault("retention.sweep_minutes", 60)
}

func bindEnvVars(v *viper.Viper) {
	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")
	v.BindEnv("nats.enabled", "NATS_ENABLED")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Tracer
	v.BindEnv("tracer.proxy_url_template", "PROXY_URL_TEMPLATE")
	v.BindEnv("tracer.render_endpoint", "RENDER_ENDPOINT")
}
