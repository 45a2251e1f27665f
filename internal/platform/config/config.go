package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pstrings "careleave/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	Environment   string
	LogLevel      string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
	AdminToken    string

	Database Database
	Redis    RedisConfig
	Kafka    Kafka
	Facility  Facility
	Monitor   Monitor
	RateLimit RateLimit
}

// Database selects the SQL driver and DSN. An empty DSN runs on the
// in-memory store.
type Database struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the optional Redis client used for the overdue
// scan lease and the beneficiary directory cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the transition event publisher. No brokers means events
// are dropped by a no-op publisher.
type Kafka struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// Facility holds site-specific settings. Beneficiaries seeds the static
// directory as "ID=Name;ID=Name" until the records module pushes names.
type Facility struct {
	Name          string
	Location      *time.Location
	Beneficiaries string
}

// Monitor configures the overdue monitor.
type Monitor struct {
	Enabled     bool
	Interval    time.Duration
	LeaseTTL    time.Duration
	Concurrency int
}

// RateLimit sets per-actor budgets per minute. Zero disables a class.
type RateLimit struct {
	Disabled         bool
	WritesPerMinute  int
	ExportsPerMinute int
}

const (
	defaultAddr     = ":8080"
	defaultTopic    = "leave.transitions"
	defaultInterval = 5 * time.Minute
)

// FromEnv builds a Server config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func FromEnv() (Server, error) {
	_ = godotenv.Load()

	loc, err := time.LoadLocation(getEnv("FACILITY_TIMEZONE", "UTC"))
	if err != nil {
		return Server{}, fmt.Errorf("load FACILITY_TIMEZONE: %w", err)
	}

	cfg := Server{
		Addr:          getEnv("CARELEAVE_ADDR", defaultAddr),
		Environment:   getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:     getEnv("JWT_ISSUER", "careleave"),
		JWTAudience:   getEnv("JWT_AUDIENCE", "careleave-api"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		Database: Database{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			DSN:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:           pstrings.SplitList(os.Getenv("KAFKA_BROKERS")),
			Topic:             getEnv("KAFKA_TOPIC", defaultTopic),
			Partitions:        int32(getInt("KAFKA_PARTITIONS", 3)),
			ReplicationFactor: int16(getInt("KAFKA_REPLICATION_FACTOR", 1)),
		},
		Facility: Facility{
			Name:          getEnv("FACILITY_NAME", "Residential Care Facility"),
			Location:      loc,
			Beneficiaries: os.Getenv("BENEFICIARY_DIRECTORY"),
		},
		Monitor: Monitor{
			Enabled:     getEnv("OVERDUE_MONITOR_ENABLED", "true") == "true",
			Interval:    getDuration("OVERDUE_SCAN_INTERVAL", defaultInterval),
			LeaseTTL:    getDuration("OVERDUE_LEASE_TTL", 0),
			Concurrency: getInt("OVERDUE_SCAN_CONCURRENCY", 4),
		},
		RateLimit: RateLimit{
			Disabled:         getEnv("DISABLE_RATE_LIMITING", "false") == "true",
			WritesPerMinute:  getInt("RATE_LIMIT_WRITES_PER_MINUTE", 60),
			ExportsPerMinute: getInt("RATE_LIMIT_EXPORTS_PER_MINUTE", 5),
		},
	}

	switch cfg.Database.Driver {
	case "postgres", "pgx":
	default:
		return Server{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Monitor.Interval <= 0 {
		return Server{}, fmt.Errorf("OVERDUE_SCAN_INTERVAL must be positive")
	}
	if cfg.RateLimit.WritesPerMinute < 0 || cfg.RateLimit.ExportsPerMinute < 0 {
		return Server{}, fmt.Errorf("rate limits must not be negative")
	}
	if cfg.Monitor.LeaseTTL == 0 {
		cfg.Monitor.LeaseTTL = cfg.Monitor.Interval
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
