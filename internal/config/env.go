package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// DatabaseConfig defines the SQLite database location.
type DatabaseConfig struct {
	Path string
}

// StorageConfig defines where source cookbook PDFs live.
type StorageConfig struct {
	Bucket       string
	UploadDir    string
	FilePassword string // passphrase for encrypted uploads, empty disables
}

// ProviderModels defines the model pair for a provider.
type ProviderModels struct {
	Primary   string
	Secondary string
}

// ProvidersConfig defines vision engines and models per provider.
type ProvidersConfig struct {
	PrimaryEngine   string // "openai"|"anthropic"
	SecondaryEngine string // "anthropic"|"openai"
	OpenAI          ProviderModels
	Anthropic       ProviderModels
}

// ExtractionConfig defines page loop behavior and limits.
type ExtractionConfig struct {
	RenderDPI           int
	JPEGQuality         int
	ContextRadius       int
	ConfidenceThreshold float64
	DedupThreshold      float64
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	RetryBackoffFactor  float64
	RetryJitter         time.Duration
	RequestTimeout      time.Duration
	CostUpdateEvery     int
	PagePriceUSD        float64
	TokenPriceInUSD     float64 // per 1K input tokens
	TokenPriceOutUSD    float64 // per 1K output tokens
}

// ImageGenConfig defines recipe image generation behavior.
type ImageGenConfig struct {
	Endpoint           string
	APIKey             string
	Model              string
	Concurrency        int
	RequestTimeout     time.Duration
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	SweepInterval      time.Duration
	SweepConcurrency   int
	BreakerBaseBackoff time.Duration
	BreakerMaxBackoff  time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// SMTPConfig defines outbound mail settings. Empty host disables sending.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	AppURL   string
}

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig
	Axiom      AxiomConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Providers  ProvidersConfig
	Extraction ExtractionConfig
	ImageGen   ImageGenConfig
	Queue      QueueConfig
	SMTP       SMTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	// Logging defaults
	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/cookscan.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	// Axiom defaults
	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_cookscan",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Database = DatabaseConfig{
		Path: getEnv("DB_PATH", "data/cookscan.db"),
	}

	cfg.Storage = StorageConfig{
		Bucket:       getEnv("AWS_S3_BUCKET", "cookscan-files-dev"),
		UploadDir:    getEnv("UPLOAD_DIR", "uploads"),
		FilePassword: getEnv("FILE_PASSWORD", ""),
	}

	// Providers defaults
	cfg.Providers = ProvidersConfig{
		PrimaryEngine:   getEnv("PRIMARY_ENGINE", "openai"),
		SecondaryEngine: getEnv("SECONDARY_ENGINE", "anthropic"),
		OpenAI: ProviderModels{
			Primary:   getEnv("OPENAI_PRIMARY_MODEL", "gpt-4o"),
			Secondary: getEnv("OPENAI_SECONDARY_MODEL", "gpt-4o-mini"),
		},
		Anthropic: ProviderModels{
			Primary:   getEnv("ANTHROPIC_PRIMARY_MODEL", "claude-3-5-sonnet"),
			Secondary: getEnv("ANTHROPIC_SECONDARY_MODEL", "claude-3-haiku"),
		},
	}

	// Extraction defaults
	cfg.Extraction = ExtractionConfig{
		RenderDPI:           parseInt(getEnv("RENDER_DPI", "150"), 150),
		JPEGQuality:         parseInt(getEnv("RENDER_JPEG_QUALITY", "80"), 80),
		ContextRadius:       parseInt(getEnv("CONTEXT_RADIUS", "1"), 1),
		ConfidenceThreshold: parseFloat(getEnv("CONFIDENCE_THRESHOLD", "0.7"), 0.7),
		DedupThreshold:      parseFloat(getEnv("DEDUP_THRESHOLD", "0.6"), 0.6),
		RetryAttempts:       parseInt(getEnv("CLASSIFY_MAX_ATTEMPTS", "3"), 3),
		RetryBaseDelay:      parseDuration(getEnv("CLASSIFY_RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryBackoffFactor:  parseFloat(getEnv("CLASSIFY_RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
		RetryJitter:         parseDuration(getEnv("CLASSIFY_RETRY_JITTER", "200ms"), 200*time.Millisecond),
		RequestTimeout:      parseDuration(getEnv("CLASSIFY_REQUEST_TIMEOUT", "60s"), 60*time.Second),
		CostUpdateEvery:     parseInt(getEnv("COST_UPDATE_EVERY", "5"), 5),
		PagePriceUSD:        parseFloat(getEnv("PAGE_PRICE_USD", "0.004"), 0.004),
		TokenPriceInUSD:     parseFloat(getEnv("TOKEN_PRICE_IN_USD", "0.0025"), 0.0025),
		TokenPriceOutUSD:    parseFloat(getEnv("TOKEN_PRICE_OUT_USD", "0.01"), 0.01),
	}

	// Image generation defaults
	cfg.ImageGen = ImageGenConfig{
		Endpoint:           getEnv("IMAGEGEN_ENDPOINT", "https://api.openai.com/v1/images/generations"),
		APIKey:             getEnv("IMAGEGEN_API_KEY", os.Getenv("OPENAI_API_KEY")),
		Model:              getEnv("IMAGEGEN_MODEL", "dall-e-3"),
		Concurrency:        parseInt(getEnv("IMAGEGEN_CONCURRENCY", "2"), 2),
		RequestTimeout:     parseDuration(getEnv("IMAGEGEN_REQUEST_TIMEOUT", "90s"), 90*time.Second),
		MaxAttempts:        parseInt(getEnv("IMAGEGEN_MAX_ATTEMPTS", "3"), 3),
		RetryBaseDelay:     parseDuration(getEnv("IMAGEGEN_RETRY_BASE_DELAY", "5s"), 5*time.Second),
		SweepInterval:      parseDuration(getEnv("IMAGEGEN_SWEEP_INTERVAL", "10m"), 10*time.Minute),
		SweepConcurrency:   parseInt(getEnv("IMAGEGEN_SWEEP_CONCURRENCY", "4"), 4),
		BreakerBaseBackoff: parseDuration(getEnv("IMAGEGEN_BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMaxBackoff:  parseDuration(getEnv("IMAGEGEN_BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	// Queue defaults
	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:imagegen:tasks"),
		Group:        getEnv("QUEUE_GROUP", "workers:imagegen"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "200ms"), 200*time.Millisecond),
	}

	// SMTP defaults (disabled unless host is set)
	cfg.SMTP = SMTPConfig{
		Host:     getEnv("SMTP_HOST", ""),
		Port:     parseInt(getEnv("SMTP_PORT", "587"), 587),
		From:     getEnv("SMTP_FROM", "noreply@cookscan.local"),
		Username: getEnv("SMTP_USERNAME", ""),
		Password: getEnv("SMTP_PASSWORD", ""),
		AppURL:   getEnv("APP_URL", "http://localhost:8080"),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
