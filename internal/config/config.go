package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PollConfig holds the status polling bounds
type PollConfig struct {
	Interval      time.Duration
	BackoffFactor float64
	MaxInterval   time.Duration
	MaxAttempts   int
	Timeout       time.Duration
}

// Config holds all configuration for the application
type Config struct {
	AppEnv         string
	LogLevel       string
	APIBaseURL     string
	APIToken       string
	RequestTimeout time.Duration
	Poll           PollConfig
	CronSchedule   string
	BatchSize      int
	StubPort       string
	StubPublicURL  string
	StubSteps      int
	DB             DBConfig
}

// Load loads the configuration from environment variables. A .env file in
// the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	config := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		APIBaseURL:     strings.TrimRight(getEnv("SKETCH_API_BASE_URL", "http://localhost:8080/api"), "/"),
		APIToken:       os.Getenv("SKETCH_API_TOKEN"),
		RequestTimeout: time.Duration(getEnvInt("SKETCH_REQUEST_TIMEOUT", 30)) * time.Second,
		CronSchedule:   getEnv("SKETCH_CRON_SCHEDULE", "0 */1 * * * *"),
		BatchSize:      getEnvInt("SKETCH_BATCH_SIZE", 10),
		StubPort:       getEnv("STUB_PORT", "8080"),
		StubPublicURL:  strings.TrimRight(os.Getenv("STUB_PUBLIC_URL"), "/"),
		StubSteps:      getEnvInt("STUB_STEPS", 5),
	}

	config.Poll = PollConfig{
		Interval:      time.Duration(getEnvInt("SKETCH_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		BackoffFactor: getEnvFloat("SKETCH_POLL_BACKOFF", 1),
		MaxInterval:   time.Duration(getEnvInt("SKETCH_POLL_MAX_INTERVAL_MS", 10000)) * time.Millisecond,
		MaxAttempts:   getEnvInt("SKETCH_POLL_MAX_ATTEMPTS", 300),
		Timeout:       time.Duration(getEnvInt("SKETCH_GENERATION_TIMEOUT", 600)) * time.Second,
	}

	config.DB = DBConfig{
		Host:            os.Getenv("DB_HOST"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        os.Getenv("DB_NAME"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME", 300)) * time.Second,
	}

	if config.Poll.Interval <= 0 {
		return nil, fmt.Errorf("SKETCH_POLL_INTERVAL_MS must be positive")
	}
	if config.Poll.BackoffFactor < 1 {
		return nil, fmt.Errorf("SKETCH_POLL_BACKOFF must be at least 1")
	}
	if config.Poll.MaxAttempts < 0 {
		return nil, fmt.Errorf("SKETCH_POLL_MAX_ATTEMPTS must not be negative")
	}

	return config, nil
}

// ValidateDB checks the settings needed by the queue modes
func (c *Config) ValidateDB() error {
	if c.DB.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.DB.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.DB.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.DB.Database == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}
