package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "30s" or "720h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// D is shorthand for building a Duration in code.
func D(v time.Duration) Duration { return Duration{Duration: v} }

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Extraction ExtractionConfig `toml:"extraction"`
	OCR        OCRConfig        `toml:"ocr"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
	Quota      QuotaConfig      `toml:"quota"`
	Billing    BillingConfig    `toml:"billing"`
	Poller     PollerConfig     `toml:"poller"`
	Log        LogConfig        `toml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string   `toml:"driver"`
	DSN             string   `toml:"dsn"`
	MaxConns        int32    `toml:"max_conns"`
	MinConns        int32    `toml:"min_conns"`
	MaxConnLifetime Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime Duration `toml:"max_conn_idle_time"`
	DialTimeout     Duration `toml:"dial_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string   `toml:"http_addr"`
	GRPCAddr        string   `toml:"grpc_addr"`
	PublicBaseURL   string   `toml:"public_base_url"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	// Backend is "fs" or "gcs".
	Backend         string   `toml:"backend"`
	Bucket          string   `toml:"bucket"`
	Dir             string   `toml:"dir"`
	SigningKey      string   `toml:"signing_key"`
	DownloadTTL     Duration `toml:"download_ttl"`
	CredentialsFile string   `toml:"credentials_file"`
}

// ExtractionConfig configures the text-extraction service client.
type ExtractionConfig struct {
	// Backend is "local" or "remote".
	Backend           string   `toml:"backend"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	TokenURL          string   `toml:"token_url"`
	ClientID          string   `toml:"client_id"`
	ClientSecret      string   `toml:"client_secret"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	SubmitTimeout     Duration `toml:"submit_timeout"`
	PollTimeout       Duration `toml:"poll_timeout"`
	PageTimeout       Duration `toml:"page_timeout"`
	PageSize          int      `toml:"page_size"`
	Workers           int      `toml:"workers"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	HeicConverter    string `toml:"heic_converter"`
	TessdataDir      string `toml:"tessdata_dir"`
	Language         string `toml:"language"`
	DPI              int    `toml:"dpi"`
	ArtifactCacheDir string `toml:"artifact_cache_dir"`
}

// EnrichmentConfig holds LLM-related configuration
type EnrichmentConfig struct {
	// Provider is "anthropic", "openai" or "" (disabled).
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature float32  `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
	MaxChars    int      `toml:"max_chars"`
	Timeout     Duration `toml:"timeout"`
}

// TierLimits are the per-window allowances of a subscription tier.
type TierLimits struct {
	Documents        int   `toml:"documents"`
	PagesPerDocument int   `toml:"pages_per_document"`
	MaxFileSize      int64 `toml:"max_file_size"`
	Enrichments      int   `toml:"enrichments"`
}

// QuotaConfig holds ledger configuration.
type QuotaConfig struct {
	Window     Duration              `toml:"window"`
	MaxRetries int                   `toml:"max_retries"`
	Tiers      map[string]TierLimits `toml:"tiers"`
}

// BillingConfig holds webhook verification settings.
type BillingConfig struct {
	WebhookSecret string   `toml:"webhook_secret"`
	Tolerance     Duration `toml:"tolerance"`
}

// PollerConfig configures the background poll loop.
type PollerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   Duration `toml:"interval"`
	Batch      int      `toml:"batch"`
	Workers    int      `toml:"workers"`
	ClaimLease Duration `toml:"claim_lease"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:docjobs.db",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: D(30 * time.Minute),
			MaxConnIdleTime: D(5 * time.Minute),
			DialTimeout:     D(3 * time.Second),
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			PublicBaseURL:   "http://localhost:8080",
			MaxUploadBytes:  64 << 20,
			ShutdownTimeout: D(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend:     "fs",
			Dir:         "./data/objects",
			DownloadTTL: D(300 * time.Second),
		},
		Extraction: ExtractionConfig{
			Backend:           "local",
			RequestsPerSecond: 5,
			SubmitTimeout:     D(30 * time.Second),
			PollTimeout:       D(10 * time.Second),
			PageTimeout:       D(15 * time.Second),
			PageSize:          1000,
			Workers:           2,
		},
		OCR: OCRConfig{
			HeicConverter:    "magick",
			Language:         "eng",
			DPI:              300,
			ArtifactCacheDir: "./tmp",
		},
		Enrichment: EnrichmentConfig{
			Provider:  "",
			Model:     "claude-3-haiku-20240307",
			MaxTokens: 2000,
			MaxChars:  4000,
			Timeout:   D(45 * time.Second),
		},
		Quota: QuotaConfig{
			Window:     D(30 * 24 * time.Hour),
			MaxRetries: 5,
			Tiers: map[string]TierLimits{
				"FREE":       {Documents: 5, PagesPerDocument: 3, MaxFileSize: 2 << 20, Enrichments: 3},
				"PRO":        {Documents: 200, PagesPerDocument: 50, MaxFileSize: 20 << 20, Enrichments: 100},
				"ENTERPRISE": {Documents: 10000, PagesPerDocument: 500, MaxFileSize: 100 << 20, Enrichments: 5000},
			},
		},
		Billing: BillingConfig{
			Tolerance: D(5 * time.Minute),
		},
		Poller: PollerConfig{
			Enabled:    true,
			Interval:   D(5 * time.Second),
			Batch:      25,
			Workers:    4,
			ClaimLease: D(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig layers defaults, an optional TOML file and environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.Server.PublicBaseURL)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Dir = getEnv("STORAGE_DIR", c.Storage.Dir)
	c.Storage.SigningKey = getEnv("STORAGE_SIGNING_KEY", c.Storage.SigningKey)
	c.Storage.DownloadTTL = getEnvAsDuration("STORAGE_DOWNLOAD_TTL", c.Storage.DownloadTTL)
	c.Storage.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", c.Storage.CredentialsFile)

	c.Extraction.Backend = getEnv("EXTRACTION_BACKEND", c.Extraction.Backend)
	c.Extraction.BaseURL = getEnv("EXTRACTION_BASE_URL", c.Extraction.BaseURL)
	c.Extraction.APIKey = getEnv("EXTRACTION_API_KEY", c.Extraction.APIKey)
	c.Extraction.ClientID = getEnv("EXTRACTION_CLIENT_ID", c.Extraction.ClientID)
	c.Extraction.ClientSecret = getEnv("EXTRACTION_CLIENT_SECRET", c.Extraction.ClientSecret)
	c.Extraction.TokenURL = getEnv("EXTRACTION_TOKEN_URL", c.Extraction.TokenURL)
	c.Extraction.PollTimeout = getEnvAsDuration("EXTRACTION_POLL_TIMEOUT", c.Extraction.PollTimeout)

	c.OCR.HeicConverter = getEnv("HEIC_CONVERTER", c.OCR.HeicConverter)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.ArtifactCacheDir = getEnv("ARTIFACT_CACHE_DIR", c.OCR.ArtifactCacheDir)

	c.Enrichment.Provider = getEnv("ENRICHMENT_PROVIDER", c.Enrichment.Provider)
	c.Enrichment.Model = getEnv("ENRICHMENT_MODEL", c.Enrichment.Model)
	c.Enrichment.APIKey = getEnv("ENRICHMENT_API_KEY", c.Enrichment.APIKey)
	c.Enrichment.Temperature = getEnvAsFloat32("ENRICHMENT_TEMPERATURE", c.Enrichment.Temperature)
	c.Enrichment.MaxChars = getEnvAsInt("ENRICHMENT_MAX_CHARS", c.Enrichment.MaxChars)
	c.Enrichment.Timeout = getEnvAsDuration("ENRICHMENT_TIMEOUT", c.Enrichment.Timeout)

	c.Quota.Window = getEnvAsDuration("QUOTA_WINDOW", c.Quota.Window)
	c.Quota.MaxRetries = getEnvAsInt("QUOTA_MAX_RETRIES", c.Quota.MaxRetries)

	c.Billing.WebhookSecret = getEnv("BILLING_WEBHOOK_SECRET", c.Billing.WebhookSecret)

	c.Poller.Interval = getEnvAsDuration("POLLER_INTERVAL", c.Poller.Interval)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return D(duration)
		}
	}
	return defaultValue
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	v := NewValidator().
		Field("database.driver", c.Database.Driver, OneOf("postgres", "sqlite")).
		Field("storage.backend", c.Storage.Backend, OneOf("fs", "gcs")).
		Field("extraction.backend", c.Extraction.Backend, OneOf("local", "remote")).
		Field("enrichment.provider", strings.ToLower(strings.TrimSpace(c.Enrichment.Provider)), OneOf("", "anthropic", "openai")).
		Field("log.format", strings.ToLower(c.Log.Format), OneOf("", "text", "json"))
	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrInvalidInput)
	}

	if c.Storage.Backend == "fs" && c.Storage.Dir == "" {
		return NewAppError("CONFIG_ERROR", "storage.dir is required for the fs backend", ErrInvalidInput)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return NewAppError("CONFIG_ERROR", "storage.bucket is required for the gcs backend", ErrInvalidInput)
	}
	if c.Extraction.Backend == "remote" && c.Extraction.BaseURL == "" {
		return NewAppError("CONFIG_ERROR", "extraction.base_url is required for the remote backend", ErrInvalidInput)
	}
	if c.Enrichment.Provider != "" && c.Enrichment.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "ENRICHMENT_API_KEY is required when a provider is set", ErrInvalidInput)
	}
	if c.Quota.Window.Duration <= 0 {
		return NewAppError("CONFIG_ERROR", "quota.window must be positive", ErrInvalidInput)
	}
	if _, ok := c.Quota.Tiers["FREE"]; !ok {
		return NewAppError("CONFIG_ERROR", "quota.tiers.FREE is required", ErrInvalidInput)
	}
	return nil
}
