package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type Config struct {
	Port            int
	Store           string
	DBDSN           string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnLifetime  time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	TrackTimeout    time.Duration
	TrackRateRPS    float64
	TrackRateBurst  int
	FallbackPage    string
	VisitLogBuffer  int
	PageStatsLimit  int
	LogLevel        string
	SentryDSN       string
	ShutdownTimeout time.Duration
}

// Keys are the environment variable names; the same names are accepted in
// a config file.
const (
	KeyPort            = "PORT"
	KeyStore           = "STORE"
	KeyDBDSN           = "DB_DSN"
	KeyDBMaxOpenConns  = "DB_MAX_OPEN_CONNS"
	KeyDBMaxIdleConns  = "DB_MAX_IDLE_CONNS"
	KeyDBConnLifetime  = "DB_CONN_MAX_LIFETIME"
	KeyRedisAddr       = "REDIS_ADDR"
	KeyRedisPassword   = "REDIS_PASSWORD"
	KeyRedisDB         = "REDIS_DB"
	KeyRedisKeyPrefix  = "REDIS_KEY_PREFIX"
	KeyTrackTimeout    = "TRACK_TIMEOUT"
	KeyTrackRateRPS    = "TRACK_RATE_RPS"
	KeyTrackRateBurst  = "TRACK_RATE_BURST"
	KeyFallbackPage    = "FALLBACK_PAGE"
	KeyVisitLogBuffer  = "VISIT_LOG_BUFFER"
	KeyPageStatsLimit  = "PAGE_STATS_LIMIT"
	KeyLogLevel        = "LOG_LEVEL"
	KeySentryDSN       = "SENTRY_DSN"
	KeyShutdownTimeout = "SHUTDOWN_TIMEOUT"
)

const DefaultSQLiteDSN = "file:visitors.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyStore, StoreSQLite)
	v.SetDefault(KeyDBDSN, DefaultSQLiteDSN)
	v.SetDefault(KeyDBMaxOpenConns, 25)
	v.SetDefault(KeyDBMaxIdleConns, 25)
	v.SetDefault(KeyDBConnLifetime, 5*time.Minute)
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyRedisKeyPrefix, "visitors:")
	v.SetDefault(KeyTrackTimeout, 5*time.Second)
	v.SetDefault(KeyTrackRateRPS, 0.0)
	v.SetDefault(KeyTrackRateBurst, 10)
	v.SetDefault(KeyFallbackPage, "unknown")
	v.SetDefault(KeyVisitLogBuffer, 10000)
	v.SetDefault(KeyPageStatsLimit, 100)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeySentryDSN, "")
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment and, when file is not
// empty, from a config file.
func Load(file string) (Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a validated Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:            v.GetInt(KeyPort),
		Store:           strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
		DBDSN:           v.GetString(KeyDBDSN),
		DBMaxOpenConns:  v.GetInt(KeyDBMaxOpenConns),
		DBMaxIdleConns:  v.GetInt(KeyDBMaxIdleConns),
		DBConnLifetime:  v.GetDuration(KeyDBConnLifetime),
		RedisAddr:       v.GetString(KeyRedisAddr),
		RedisPassword:   v.GetString(KeyRedisPassword),
		RedisDB:         v.GetInt(KeyRedisDB),
		RedisKeyPrefix:  v.GetString(KeyRedisKeyPrefix),
		TrackTimeout:    v.GetDuration(KeyTrackTimeout),
		TrackRateRPS:    v.GetFloat64(KeyTrackRateRPS),
		TrackRateBurst:  v.GetInt(KeyTrackRateBurst),
		FallbackPage:    v.GetString(KeyFallbackPage),
		VisitLogBuffer:  v.GetInt(KeyVisitLogBuffer),
		PageStatsLimit:  v.GetInt(KeyPageStatsLimit),
		LogLevel:        v.GetString(KeyLogLevel),
		SentryDSN:       v.GetString(KeySentryDSN),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StorePostgres, StoreMySQL, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TrackTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyTrackTimeout)
	}
	if c.VisitLogBuffer < 0 {
		return fmt.Errorf("%s must not be negative", KeyVisitLogBuffer)
	}
	if c.TrackRateRPS > 0 && c.TrackRateBurst <= 0 {
		return fmt.Errorf("%s must be positive when rate limiting is enabled", KeyTrackRateBurst)
	}
	if c.FallbackPage == "" {
		return fmt.Errorf("%s must not be empty", KeyFallbackPage)
	}
	return nil
}

// IsSQL reports whether the configured store is a SQL database.
func (c Config) IsSQL() bool {
	return c.Store == StoreSQLite || c.Store == StorePostgres || c.Store == StoreMySQL
}
