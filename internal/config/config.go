package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const ServiceName = "stock-ledger"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	ServiceName  string
	Environment  string
	LogLevel     string
	HTTPPort     string
	GRPCPort     string
	OtelEndpoint string

	StoreDriver string
	MySQLDSN    string
	PostgresDSN string
	RedisAddr   string

	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaCommandsTopic string
	KafkaGroupID       string

	MaxRetries         int
	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	RequireReservation bool
	EventQueueSize     int
	WorkerCount        int
	DefaultThreshold   int
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads the configuration from the environment. Every malformed
// variable is reported, not only the first.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServiceName:  getEnv("SERVICE_NAME", ServiceName),
		Environment:  getEnv("ENVIRONMENT", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		GRPCPort:     getEnv("GRPC_PORT", "50051"),
		OtelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
		MySQLDSN:    os.Getenv("MYSQL_DSN"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaEventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", "inventory-ledger-events"),
		KafkaCommandsTopic: getEnv("KAFKA_COMMANDS_TOPIC", "inventory-stock-commands"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "stock-ledger"),

		MaxRetries:         p.int("MAX_RETRIES", 5),
		ReservationTTL:     p.duration("RESERVATION_TTL", 0),
		SweepInterval:      p.duration("SWEEP_INTERVAL", 30*time.Second),
		RequireReservation: p.bool("REQUIRE_RESERVATION", false),
		EventQueueSize:     p.int("EVENT_QUEUE_SIZE", 10000),
		WorkerCount:        p.int("WORKER_COUNT", 4),
		DefaultThreshold:   p.int("DEFAULT_LOW_STOCK_THRESHOLD", 10),
	}

	if err := errors.Join(append(p.errs, cfg.validate()...)...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, fmt.Errorf("MYSQL_DSN environment variable is required for driver %s", c.StoreDriver))
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_DSN environment variable is required for driver %s", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, mysql, postgres; got %q", c.StoreDriver))
	}

	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries))
	}
	if c.ReservationTTL < 0 {
		errs = append(errs, fmt.Errorf("RESERVATION_TTL must not be negative, got %s", c.ReservationTTL))
	}
	if c.ReservationTTL > 0 && c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive when RESERVATION_TTL is set"))
	}
	if c.EventQueueSize < 0 {
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_SIZE must not be negative, got %d", c.EventQueueSize))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.DefaultThreshold < 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_LOW_STOCK_THRESHOLD must not be negative, got %d", c.DefaultThreshold))
	}
	return errs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors while reading typed variables.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return defaultValue
	}
	return v
}
