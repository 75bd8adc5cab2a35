// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Log        LogConfig
	Scanner    ScannerConfig
	Translator TranslatorConfig
	Worker     WorkerConfig
	Mail       MailConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// IsProduction returns true when running in production.
func (c *AppConfig) IsProduction() bool {
	return c.Env == EnvProduction
}

// ServerConfig holds HTTP server configuration for the web API and the
// worker's metrics listener.
type ServerConfig struct {
	Host            string
	Port            int
	MetricsPort     int // worker /metrics and /healthz listener
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr returns the listen address for the worker's metrics listener.
func (c *ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Startup readiness
	ReadyMaxAttempts int
	ReadyRetryDelay  time.Duration
}

// DSN returns the Postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// ScannerConfig holds configuration for the external vulnerability scanner's
// HTTP API.
type ScannerConfig struct {
	BaseURL string
	APIKey  string // empty when the scanner runs with its API key disabled

	HTTPTimeout time.Duration // per call, independent of retries
	MaxAttempts int           // attempts per call before giving up
	BaseDelay   time.Duration // first backoff step, doubled per attempt
	CallDelay   time.Duration // fixed pacing delay before every call

	// ContextSettleDelay is how long to wait after registering a URL with
	// the scanner's context before using it. RetrySettleDelay is the longer
	// wait used when submission is retried after a registration failure.
	ContextSettleDelay time.Duration
	RetrySettleDelay   time.Duration

	// RetryTriggers are error substrings on scan submission that cause one
	// re-register-and-resubmit attempt. Configurable rather than hard-coded.
	RetryTriggers []string

	// Startup readiness
	ReadyMaxAttempts int
	ReadyRetryDelay  time.Duration
}

// TranslatorConfig holds configuration for the text-generation service used
// to produce plain-language finding summaries.
type TranslatorConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// IsConfigured returns true if the translator can be used.
func (c *TranslatorConfig) IsConfigured() bool {
	return c.Endpoint != "" && c.APIKey != ""
}

// WorkerConfig holds scan orchestrator configuration.
type WorkerConfig struct {
	// TickInterval is how often the orchestrator advances sessions.
	TickInterval time.Duration

	// TickTimeout bounds one full tick. Zero means the tick interval.
	TickTimeout time.Duration

	// EnrichmentConcurrency bounds concurrent summary generations per
	// session.
	EnrichmentConcurrency int
}

// MailConfig holds configuration for the mail-relay microservice used to
// notify owners when a scan finishes.
type MailConfig struct {
	Enabled  bool
	BaseURL  string
	FromName string
	Timeout  time.Duration

	// NotifyAddress receives scan completion notices. The platform has no
	// user records, so the recipient is deployment-configured.
	NotifyAddress string
}

// IsConfigured returns true if the mail relay can be used.
func (c *MailConfig) IsConfigured() bool {
	return c.Enabled && c.BaseURL != ""
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "siteguard"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			MetricsPort:     getEnvInt("SERVER_METRICS_PORT", 9090),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:             getEnv("DB_HOST", "localhost"),
			Port:             getEnvInt("DB_PORT", 5432),
			User:             getEnv("DB_USER", "siteguard"),
			Password:         getEnv("DB_PASSWORD", "secret"),
			Name:             getEnv("DB_NAME", "siteguard"),
			SSLMode:          getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ReadyMaxAttempts: getEnvInt("DB_READY_MAX_ATTEMPTS", 10),
			ReadyRetryDelay:  getEnvDuration("DB_READY_RETRY_DELAY", 5*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Scanner: ScannerConfig{
			BaseURL:            getEnv("SCANNER_BASE_URL", "http://zap:8080"),
			APIKey:             getEnv("SCANNER_API_KEY", ""),
			HTTPTimeout:        getEnvDuration("SCANNER_HTTP_TIMEOUT", 30*time.Second),
			MaxAttempts:        getEnvInt("SCANNER_MAX_ATTEMPTS", 3),
			BaseDelay:          getEnvDuration("SCANNER_BASE_DELAY", time.Second),
			CallDelay:          getEnvDuration("SCANNER_CALL_DELAY", 2*time.Second),
			ContextSettleDelay: getEnvDuration("SCANNER_CONTEXT_SETTLE_DELAY", 2*time.Second),
			RetrySettleDelay:   getEnvDuration("SCANNER_RETRY_SETTLE_DELAY", 3*time.Second),
			RetryTriggers:      getEnvSlice("SCANNER_RETRY_TRIGGERS", []string{"URL_NOT_FOUND", "url_not_found"}),
			ReadyMaxAttempts:   getEnvInt("SCANNER_READY_MAX_ATTEMPTS", 10),
			ReadyRetryDelay:    getEnvDuration("SCANNER_READY_RETRY_DELAY", 5*time.Second),
		},
		Translator: TranslatorConfig{
			Endpoint:    getEnv("TRANSLATOR_ENDPOINT", ""),
			APIKey:      getEnv("TRANSLATOR_API_KEY", ""),
			Model:       getEnv("TRANSLATOR_MODEL", "deepseek/deepseek-v3-0324"),
			MaxTokens:   getEnvInt("TRANSLATOR_MAX_TOKENS", 200),
			Temperature: getEnvFloat("TRANSLATOR_TEMPERATURE", 0.7),
			Timeout:     getEnvDuration("TRANSLATOR_TIMEOUT", 30*time.Second),
			MaxRetries:  getEnvInt("TRANSLATOR_MAX_RETRIES", 2),
		},
		Worker: WorkerConfig{
			TickInterval:          getEnvDuration("WORKER_TICK_INTERVAL", 10*time.Second),
			TickTimeout:           getEnvDuration("WORKER_TICK_TIMEOUT", 0),
			EnrichmentConcurrency: getEnvInt("WORKER_ENRICHMENT_CONCURRENCY", 4),
		},
		Mail: MailConfig{
			Enabled:       getEnvBool("MAIL_ENABLED", false),
			BaseURL:       getEnv("MAIL_RELAY_URL", ""),
			FromName:      getEnv("MAIL_FROM_NAME", "SiteGuard"),
			Timeout:       getEnvDuration("MAIL_TIMEOUT", 15*time.Second),
			NotifyAddress: getEnv("MAIL_NOTIFY_ADDRESS", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Scanner.BaseURL == "" {
		return fmt.Errorf("scanner base url is required")
	}
	if c.Scanner.MaxAttempts < 1 {
		return fmt.Errorf("scanner max attempts must be at least 1")
	}
	if c.Worker.TickInterval <= 0 {
		return fmt.Errorf("worker tick interval must be positive")
	}
	if c.Worker.EnrichmentConcurrency < 1 {
		return fmt.Errorf("worker enrichment concurrency must be at least 1")
	}
	if c.Mail.Enabled && c.Mail.BaseURL == "" {
		return fmt.Errorf("mail relay url is required when mail is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
