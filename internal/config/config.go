package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted for ADSERVER_DECISION_BACKEND.
const (
	BackendProbabilistic = "probabilistic"
	BackendRemote        = "remote"
)

// Config holds all configuration for the ad server. It is constructed
// once at startup and passed by reference into each component.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Decision   DecisionConfig
	RateLimit  RateLimitConfig
	Token      TokenConfig
	Geo        GeoConfig
	Agent      AgentConfig
	Privacy    PrivacyConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the optional analytics event sink.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	User          string
	Password      string
	FlushInterval time.Duration
	BatchSize     int
}

// DecisionConfig selects and configures the ad decision backend.
type DecisionConfig struct {
	Backend       string
	RemoteURL     string
	RemoteTimeout time.Duration
	RecordViews   bool
}

// RateLimitConfig carries both the click velocity limits enforced per
// visitor fingerprint and the HTTP service protection limits.
type RateLimitConfig struct {
	// ClickLimits is an ordered list of "count/window" pairs, e.g.
	// "1/m,3/10m,10/h,25/d". Every window must pass for a click.
	ClickLimits []string

	HTTPEnabled bool
	HTTPRPS     float64
	HTTPBurst   int
}

// TokenConfig configures impression token signing.
type TokenConfig struct {
	Secret string
	TTL    time.Duration
}

// GeoConfig configures GeoIP lookup and periodic database reload.
type GeoConfig struct {
	CityDBPath     string
	CountryDBPath  string
	ReloadInterval time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

// AgentConfig configures user agent classification.
type AgentConfig struct {
	BlacklistedUserAgents []string
}

// PrivacyConfig carries the privacy-facing toggles.
type PrivacyConfig struct {
	DoNotTrack       bool
	PrivacyPolicyURL string
	AnalyticsID      string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADSERVER_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADSERVER_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADSERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ADSERVER_DB_HOST", "localhost"),
			Port:     getIntEnv("ADSERVER_DB_PORT", 5432),
			User:     getEnv("ADSERVER_DB_USER", "adserver"),
			Password: getEnv("ADSERVER_DB_PASSWORD", "adserver_secret"),
			DBName:   getEnv("ADSERVER_DB_NAME", "adserver"),
			SSLMode:  getEnv("ADSERVER_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADSERVER_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ADSERVER_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ADSERVER_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADSERVER_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADSERVER_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("ADSERVER_CLICKHOUSE_ENABLED", false),
			Addr:          getEnv("ADSERVER_CLICKHOUSE_ADDR", "localhost:9000"),
			Database:      getEnv("ADSERVER_CLICKHOUSE_DATABASE", "adserver"),
			User:          getEnv("ADSERVER_CLICKHOUSE_USER", "default"),
			Password:      getEnv("ADSERVER_CLICKHOUSE_PASSWORD", ""),
			FlushInterval: getDurationEnv("ADSERVER_CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
			BatchSize:     getIntEnv("ADSERVER_CLICKHOUSE_BATCH_SIZE", 1000),
		},
		Decision: DecisionConfig{
			Backend:       getEnv("ADSERVER_DECISION_BACKEND", BackendProbabilistic),
			RemoteURL:     getEnv("ADSERVER_DECISION_REMOTE_URL", ""),
			RemoteTimeout: getDurationEnv("ADSERVER_DECISION_REMOTE_TIMEOUT", 300*time.Millisecond),
			RecordViews:   getBoolEnv("ADSERVER_RECORD_VIEWS", false),
		},
		RateLimit: RateLimitConfig{
			ClickLimits: getSliceEnv("ADSERVER_CLICK_RATELIMITS", []string{"1/m", "3/10m", "10/h", "25/d"}),
			HTTPEnabled: getBoolEnv("ADSERVER_HTTP_RATE_LIMIT_ENABLED", true),
			HTTPRPS:     getFloatEnv("ADSERVER_HTTP_RATE_LIMIT_RPS", 1000),
			HTTPBurst:   getIntEnv("ADSERVER_HTTP_RATE_LIMIT_BURST", 100),
		},
		Token: TokenConfig{
			Secret: getEnv("ADSERVER_TOKEN_SECRET", ""),
			TTL:    getDurationEnv("ADSERVER_TOKEN_TTL", 4*time.Hour),
		},
		Geo: GeoConfig{
			CityDBPath:     getEnv("ADSERVER_GEOIP_CITY_DB", "/app/data/GeoLite2-City.mmdb"),
			CountryDBPath:  getEnv("ADSERVER_GEOIP_COUNTRY_DB", "/app/data/GeoLite2-Country.mmdb"),
			ReloadInterval: getDurationEnv("ADSERVER_GEOIP_RELOAD_INTERVAL", 24*time.Hour),
			CacheSize:      getIntEnv("ADSERVER_GEOIP_CACHE_SIZE", 10000),
			CacheTTL:       getDurationEnv("ADSERVER_GEOIP_CACHE_TTL", time.Hour),
		},
		Agent: AgentConfig{
			BlacklistedUserAgents: getSliceEnv("ADSERVER_BLACKLISTED_USER_AGENTS", nil),
		},
		Privacy: PrivacyConfig{
			DoNotTrack:       getBoolEnv("ADSERVER_DO_NOT_TRACK", false),
			PrivacyPolicyURL: getEnv("ADSERVER_PRIVACY_POLICY_URL", ""),
			AnalyticsID:      getEnv("ADSERVER_ANALYTICS_ID", ""),
		},
		Log: LogConfig{
			Level:  getEnv("ADSERVER_LOG_LEVEL", "info"),
			Format: getEnv("ADSERVER_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ADSERVER_METRICS_ENABLED", true),
			Path:    getEnv("ADSERVER_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	switch c.Decision.Backend {
	case BackendProbabilistic:
	case BackendRemote:
		if c.Decision.RemoteURL == "" {
			return fmt.Errorf("ADSERVER_DECISION_REMOTE_URL is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown decision backend %q", c.Decision.Backend)
	}
	if c.IsProduction() && c.Token.Secret == "" {
		return fmt.Errorf("ADSERVER_TOKEN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
