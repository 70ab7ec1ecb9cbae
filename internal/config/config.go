package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Variant selects the table layout: facilities or hospitals.
	Variant  string `yaml:"variant" mapstructure:"variant"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
	// SimpleProtocol disables prepared statement caching (PgBouncer).
	SimpleProtocol bool `yaml:"simple_protocol" mapstructure:"simple_protocol"`
}

// SourceConfig configures the Overpass source client.
type SourceConfig struct {
	Mirrors           []string `yaml:"mirrors" mapstructure:"mirrors"`
	Country           string   `yaml:"country" mapstructure:"country"`
	Amenities         []string `yaml:"amenities" mapstructure:"amenities"`
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	// RunDeadlineSecs bounds the whole fetch across all mirrors. 0 disables it.
	RunDeadlineSecs int `yaml:"run_deadline_secs" mapstructure:"run_deadline_secs"`
}

// Timeout returns the per-mirror attempt timeout.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// RunDeadline returns the overall fetch deadline, or 0 if unbounded.
func (s SourceConfig) RunDeadline() time.Duration {
	return time.Duration(s.RunDeadlineSecs) * time.Second
}

// SyncConfig configures the upsert engine and run cadence.
type SyncConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// Cadence is the minimum age of the last successful run before
	// `sync --if-due` runs again, e.g. "24h".
	Cadence string `yaml:"cadence" mapstructure:"cadence"`
}

// ServerConfig configures the query HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	DefaultRadiusM float64  `yaml:"default_radius_m" mapstructure:"default_radius_m"`
	// CacheTTLSecs bounds how long a cached query response may trail the
	// store. 0 disables the response cache.
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheEntries int `yaml:"cache_entries" mapstructure:"cache_entries"`
}

// CacheTTL returns the response cache TTL.
func (s ServerConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSecs) * time.Second
}

// MonitoringConfig configures the sync health checker run by serve.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	// StaleAfterHours raises an alert when the last successful sync is
	// older than this.
	StaleAfterHours int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CITYACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.variant", "facilities")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.simple_protocol", false)
	v.SetDefault("source.mirrors", []string{
		"https://overpass-api.de/api/interpreter",
		"https://overpass.kumi.systems/api/interpreter",
		"https://lz4.overpass-api.de/api/interpreter",
	})
	v.SetDefault("source.country", "AT")
	v.SetDefault("source.amenities", []string{})
	v.SetDefault("source.timeout_secs", 180)
	v.SetDefault("source.user_agent", "cityaccess/1.0")
	v.SetDefault("source.requests_per_second", 1.0)
	v.SetDefault("source.run_deadline_secs", 600)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.failure_threshold", 5)
	v.SetDefault("sync.cadence", "24h")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.default_radius_m", 2000)
	v.SetDefault("server.cache_ttl_secs", 30)
	v.SetDefault("server.cache_entries", 1024)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Store.DatabaseURL == "" && cfg.Store.Driver == "postgres" {
		cfg.Store.DatabaseURL = LegacyDSN(os.Getenv)
	}

	return &cfg, nil
}

// LegacyDSN assembles a Postgres URL from DB_USER, DB_PASSWORD, DB_NAME,
// DB_HOST and DB_PORT. It returns "" unless DB_NAME is set.
func LegacyDSN(getenv func(string) string) string {
	name := getenv("DB_NAME")
	if name == "" {
		return ""
	}
	host := getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	if user := getenv("DB_USER"); user != "" {
		if pw := getenv("DB_PASSWORD"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

// Validate checks the settings required by mode (serve, sync, migrate,
// export, ping).
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		switch strings.ToLower(c.Store.Variant) {
		case "", "facilities", "hospitals":
		default:
			errs = append(errs, fmt.Sprintf("store.variant must be facilities or hospitals, got %q", c.Store.Variant))
		}
	}
	needSource := func() {
		if len(c.Source.Mirrors) == 0 {
			errs = append(errs, "source.mirrors must list at least one mirror")
		}
		if c.Source.TimeoutSecs <= 0 {
			errs = append(errs, "source.timeout_secs must be > 0")
		}
		if c.Source.Country == "" {
			errs = append(errs, "source.country is required")
		}
	}

	switch mode {
	case "serve":
		needStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.DefaultRadiusM <= 0 {
			errs = append(errs, "server.default_radius_m must be > 0")
		}
		if c.Server.CacheTTLSecs < 0 || c.Server.CacheEntries < 0 {
			errs = append(errs, "server.cache_ttl_secs and server.cache_entries must be >= 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.LookbackWindowHours <= 0 {
			errs = append(errs, "monitoring.lookback_window_hours must be > 0")
		}
	case "sync":
		needStore()
		needSource()
		if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
			errs = append(errs, "sync.workers must be between 1 and 64")
		}
		if c.Sync.FailureThreshold < 1 {
			errs = append(errs, "sync.failure_threshold must be >= 1")
		}
		if c.Sync.Cadence != "" {
			if _, err := time.ParseDuration(c.Sync.Cadence); err != nil {
				errs = append(errs, fmt.Sprintf("sync.cadence is not a duration: %q", c.Sync.Cadence))
			}
		}
	case "migrate", "ping":
		needStore()
	case "export":
		needSource()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CadenceDuration parses Sync.Cadence. An empty cadence is 0.
func (c *Config) CadenceDuration() (time.Duration, error) {
	if c.Sync.Cadence == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sync.Cadence)
	return d, eris.Wrap(err, "config: parse sync.cadence")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
