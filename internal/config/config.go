package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	APIBaseURL  string
	DBHost      string
	DBPort      string
	DBUsername  string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	Port        string
	Timezone    string

	// Messaging backend client.
	PageSize       int
	MaxPages       int
	RequestTimeout time.Duration
	APIRPS         float64
	APIBurst       int

	// Session and reconciliation.
	ReconcileInterval    time.Duration
	SessionIdleTimeout   time.Duration
	ReadAckMaxAttempts   int
	AvatarPlaceholderURL string

	LogLevel  string
	LogFormat string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("HELPHUB_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:          env,
		APIBaseURL:           os.Getenv("HELPHUB_API_BASE_URL"),
		DBHost:               getEnvOrDefault("HELPHUB_DB_HOST", "localhost"),
		DBPort:               getEnvOrDefault("HELPHUB_DB_PORT", "5432"),
		DBUsername:           getEnvOrDefault("HELPHUB_DB_USER", "helphub"),
		DBPassword:           os.Getenv("HELPHUB_DB_PASSWORD"),
		DBName:               getEnvOrDefault("HELPHUB_DB_NAME", "helphub"),
		DBSSLMode:            getEnvOrDefault("HELPHUB_DB_SSLMODE", "disable"),
		Port:                 getEnvOrDefault("PORT", "11764"),
		Timezone:             getEnvOrDefault("TZ", "UTC"),
		AvatarPlaceholderURL: getEnvOrDefault("HELPHUB_AVATAR_PLACEHOLDER_URL", "https://ui-avatars.com/api/"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "console"),
	}

	var err error
	if config.PageSize, err = getEnvAsInt("HELPHUB_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if config.MaxPages, err = getEnvAsInt("HELPHUB_MAX_PAGES", 20); err != nil {
		return nil, err
	}
	if config.APIBurst, err = getEnvAsInt("HELPHUB_API_BURST", 20); err != nil {
		return nil, err
	}
	if config.ReadAckMaxAttempts, err = getEnvAsInt("HELPHUB_READ_ACK_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if config.APIRPS, err = getEnvAsFloat("HELPHUB_API_RPS", 10); err != nil {
		return nil, err
	}
	if config.RequestTimeout, err = getEnvAsDuration("HELPHUB_REQUEST_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if config.ReconcileInterval, err = getEnvAsDuration("HELPHUB_RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if config.SessionIdleTimeout, err = getEnvAsDuration("HELPHUB_SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("HELPHUB_API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HELPHUB_API_BASE_URL must be an absolute http(s) URL")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("HELPHUB_DB_PASSWORD is required")
	}

	if !isValidPort(c.DBPort) {
		return fmt.Errorf("HELPHUB_DB_PORT is not a valid port number: %q", c.DBPort)
	}

	if !isValidPort(c.Port) {
		return fmt.Errorf("PORT is not a valid port number: %q", c.Port)
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("HELPHUB_PAGE_SIZE must be positive")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("HELPHUB_MAX_PAGES must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("HELPHUB_REQUEST_TIMEOUT must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func isValidPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m: %w", key, err)
	}
	return d, nil
}
