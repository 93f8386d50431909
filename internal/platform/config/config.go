package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Service    ServiceConfig
	Server     ServerConfig
	GRPC       GRPCConfig
	Store      StoreConfig
	Database   DatabaseConfig
	NATS       NATSConfig
	Escalation EscalationConfig
	Auth       AuthConfig
	Seed       SeedConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	CORSOrigins     []string
}

type GRPCConfig struct {
	Port    int
	Enabled bool
}

// StoreConfig selects the persistence backend: "postgres" or "memory".
type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	Migrate     bool
}

// NATSConfig configures the notification publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
}

type EscalationConfig struct {
	// SweepSpec is a robfig/cron spec for the durable deadline recovery sweep.
	SweepSpec    string
	DefaultHours int
	CommitRetry  time.Duration
}

// AuthConfig enables bearer-token actor extraction when Secret is set.
// AdminRoles may edit roles and flows and escalate manually.
type AuthConfig struct {
	Secret     string
	Issuer     string
	AdminRoles []string
}

type SeedConfig struct {
	File string
}

// Load reads configuration from the environment. A .env file in the working
// directory (or ENV_FILE) is loaded first when present; real environment
// variables always win.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-hr-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8090),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
			RequestTimeout:  getEnvDuration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			CORSOrigins:     getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		GRPC: GRPCConfig{
			Port:    getEnvInt("GRPC_PORT", 9090),
			Enabled: getEnvBool("GRPC_ENABLED", true),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "hr_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
			Migrate:     getEnvBool("DB_MIGRATE", true),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			Stream:        getEnv("NATS_STREAM", "NOTIFICATIONS"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "notifications.hr"),
		},
		Escalation: EscalationConfig{
			SweepSpec:    getEnv("ESCALATION_SWEEP", "@every 1m"),
			DefaultHours: getEnvInt("ESCALATION_DEFAULT_HOURS", 24),
			CommitRetry:  getEnvDuration("COMMIT_RETRY_MAX_ELAPSED", 5*time.Second),
		},
		Auth: AuthConfig{
			Secret:     getEnv("JWT_SECRET", ""),
			Issuer:     getEnv("JWT_ISSUER", ""),
			AdminRoles: getEnvList("JWT_ADMIN_ROLES", []string{"hr-admin"}),
		},
		Seed: SeedConfig{
			File: getEnv("SEED_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("HTTP_PORT must be positive")
	}
	if c.Escalation.DefaultHours < 0 {
		return fmt.Errorf("ESCALATION_DEFAULT_HOURS cannot be negative")
	}
	return nil
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
