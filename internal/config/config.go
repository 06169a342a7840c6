package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/stossymoji/internal/crypto"
)

const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Store      StoreConfig     `yaml:"store"`
	Cipher     CipherConfig    `yaml:"cipher"`
	Render     RenderConfig    `yaml:"render"`
	Cache      CacheConfig     `yaml:"cache"`
	Audit      AuditConfig     `yaml:"audit"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Logging    LoggingConfig   `yaml:"logging"`
	Policies   []string        `yaml:"policies" env:"POLICY_FILES"` // Glob patterns of per-store policy files
}

// StoreConfig describes the remote blob store holding emoji images.
type StoreConfig struct {
	Backend    string        `yaml:"backend" env:"STORE_BACKEND"` // http or s3
	ID         string        `yaml:"id" env:"STORE_ID"`
	Token      string        `yaml:"token" env:"STORE_TOKEN"`
	BaseURL    string        `yaml:"base_url" env:"STORE_BASE_URL"`
	APIVersion string        `yaml:"api_version" env:"STORE_API_VERSION"`
	Prefix     string        `yaml:"prefix" env:"STORE_PREFIX"`         // Path prefix under which emoji objects live
	ListLimit  int           `yaml:"list_limit" env:"STORE_LIST_LIMIT"` // Default page size for list
	Timeout    time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`
	// When enabled, X-Store-Id and Authorization headers on gateway requests
	// take precedence over the configured id and token.
	UseClientCredentials bool     `yaml:"use_client_credentials" env:"STORE_USE_CLIENT_CREDENTIALS"`
	S3                   S3Config `yaml:"s3"`
}

// S3Config holds the S3-compatible backend settings.
type S3Config struct {
	Endpoint      string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region        string `yaml:"region" env:"S3_REGION"`
	Bucket        string `yaml:"bucket" env:"S3_BUCKET"`
	AccessKey     string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey     string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	UsePathStyle  bool   `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
	PublicBaseURL string `yaml:"public_base_url" env:"S3_PUBLIC_BASE_URL"` // Base for object URLs handed to clients
	PublicRead    bool   `yaml:"public_read" env:"S3_PUBLIC_READ"`
}

// CipherConfig holds name cipher settings.
type CipherConfig struct {
	Algorithm string `yaml:"algorithm" env:"CIPHER_ALGORITHM"`
}

// RenderConfig holds link rewriter settings.
type RenderConfig struct {
	NativeCDN string `yaml:"native_cdn" env:"RENDER_NATIVE_CDN"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" env:"SERVER_MAX_UPLOAD_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds the derived-key cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOG_REDACT_HEADERS"`
	RedactQuery     []string `yaml:"redact_query" env:"LOG_REDACT_QUERY"` // Query parameters carrying plaintext names
}

// Credentials returns the configured store credentials, trimmed.
func (s StoreConfig) Credentials() crypto.Credentials {
	return crypto.NewCredentials(s.ID, s.Token)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend:    BackendHTTP,
			BaseURL:    "https://blob.vercel-storage.com",
			APIVersion: "7",
			Prefix:     "emoji",
			ListLimit:  1000,
			Timeout:    30 * time.Second,
			S3: S3Config{
				Region:     "us-east-1",
				PublicRead: true,
			},
		},
		Cipher: CipherConfig{
			Algorithm: crypto.AlgorithmAES256GCM,
		},
		Render: RenderConfig{
			NativeCDN: "https://cdn.discordapp.com/emojis",
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxUploadBytes:    8 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxItems:   256,
			DefaultTTL: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "stossymoji",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-store-token", "cookie"},
			RedactQuery:     []string{"name"},
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	return Load(path)
}

// Load is LoadConfig with overrides applied after the environment and before
// validation. Command-line flags use it.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)
	for _, o := range overrides {
		o(config)
	}
	config.Store.ID = strings.TrimSpace(config.Store.ID)
	config.Store.Token = strings.TrimSpace(config.Store.Token)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(v string, dst *time.Duration) {
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func envPositiveInt(v string, dst *int) {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("POLICY_FILES"); v != "" {
		config.Policies = envList(v)
	}

	// Store
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		config.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("STORE_ID"); v != "" {
		config.Store.ID = v
	}
	if v := os.Getenv("STORE_TOKEN"); v != "" {
		config.Store.Token = v
	}
	if v := os.Getenv("STORE_BASE_URL"); v != "" {
		config.Store.BaseURL = v
	}
	if v := os.Getenv("STORE_API_VERSION"); v != "" {
		config.Store.APIVersion = v
	}
	if v, ok := os.LookupEnv("STORE_PREFIX"); ok {
		config.Store.Prefix = v
	}
	if v := os.Getenv("STORE_LIST_LIMIT"); v != "" {
		envPositiveInt(v, &config.Store.ListLimit)
	}
	if v := os.Getenv("STORE_TIMEOUT"); v != "" {
		envDuration(v, &config.Store.Timeout)
	}
	if v := os.Getenv("STORE_USE_CLIENT_CREDENTIALS"); v != "" {
		config.Store.UseClientCredentials = envBool(v)
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		config.Store.S3.Endpoint = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		config.Store.S3.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Store.S3.Bucket = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		config.Store.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		config.Store.S3.SecretKey = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		config.Store.S3.UsePathStyle = envBool(v)
	}
	if v := os.Getenv("S3_PUBLIC_BASE_URL"); v != "" {
		config.Store.S3.PublicBaseURL = v
	}
	if v := os.Getenv("S3_PUBLIC_READ"); v != "" {
		config.Store.S3.PublicRead = envBool(v)
	}

	if v := os.Getenv("CIPHER_ALGORITHM"); v != "" {
		config.Cipher.Algorithm = v
	}
	if v := os.Getenv("RENDER_NATIVE_CDN"); v != "" {
		config.Render.NativeCDN = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		envDuration(v, &config.Server.ReadTimeout)
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		envDuration(v, &config.Server.WriteTimeout)
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		envDuration(v, &config.Server.IdleTimeout)
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		envDuration(v, &config.Server.ReadHeaderTimeout)
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		envPositiveInt(v, &config.Server.MaxHeaderBytes)
	}
	if v := os.Getenv("SERVER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxUploadBytes = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		envPositiveInt(v, &config.RateLimit.Limit)
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		envDuration(v, &config.RateLimit.Window)
	}

	// Cache configuration
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		envPositiveInt(v, &config.Cache.MaxItems)
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		envDuration(v, &config.Cache.DefaultTTL)
	}

	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		envPositiveInt(v, &config.Audit.MaxEvents)
	}

	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}

	if v := os.Getenv("ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOG_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = envList(v)
	}
	if v := os.Getenv("LOG_REDACT_QUERY"); v != "" {
		config.Logging.RedactQuery = envList(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Store credentials: required unless clients bring their own.
	if !c.Store.UseClientCredentials {
		if strings.TrimSpace(c.Store.ID) == "" {
			return fmt.Errorf("store.id is required (or enable store.use_client_credentials)")
		}
		if strings.TrimSpace(c.Store.Token) == "" {
			return fmt.Errorf("store.token is required (or enable store.use_client_credentials)")
		}
	}

	switch c.Store.Backend {
	case BackendHTTP, "":
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store.base_url is required for the http backend")
		}
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be http or s3)", c.Store.Backend)
	}
	if c.Store.ListLimit < 0 {
		return fmt.Errorf("store.list_limit must not be negative")
	}

	if !crypto.IsSupportedAlgorithm(c.Cipher.Algorithm) {
		return fmt.Errorf("invalid cipher.algorithm: %s", c.Cipher.Algorithm)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// CredentialsChanged reports whether the configured store credentials differ
// between two configs.
func CredentialsChanged(old, new *Config) bool {
	return !old.Store.Credentials().Equal(new.Store.Credentials())
}
