// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const insecureDefaultKey = "0000000000000000000000000000000000000000000000000000000000000000"

// AuthConfig holds identity verification configuration.
type AuthConfig struct {
	IssuerURL   string // OIDC issuer URL
	Audience    string // Required JWT audience claim
	JWTSecret   string // HS256 shared secret for local/dev JWT auth
	TenantClaim string // JWT claim carrying the tenant id (default: "org_id")
	EmailClaim  string // JWT claim carrying the email (default: "email")
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != ""
}

// Enabled returns true when any token verifier is configured.
func (a *AuthConfig) Enabled() bool {
	return a.OIDCEnabled() || a.JWTSecret != ""
}

// PoolConfig bounds the per-connection pools.
type PoolConfig struct {
	MaxConcurrent    int           // executions per (tenant, connection)
	BlockOnExhausted bool          // queue instead of failing fast
	AcquireTimeout   time.Duration // bound on queueing for a handle
	IdleTTL          time.Duration // idle pools are closed after this
	MaxOpenPools     int           // process-wide limit
	ConnectTimeout   time.Duration
	ConnectRetries   int
	StatementTimeout time.Duration
}

// TranslatorConfig selects and configures the NL->SQL provider.
type TranslatorConfig struct {
	Provider    string // "openai", "bedrock" or "none"
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32

	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	BedrockModelID     string
}

// SchemaConfig controls schema-context introspection and caching.
type SchemaConfig struct {
	MaxTables int
	CacheTTL  time.Duration
	RedisURL  string
}

// Config holds the configuration for the query service.
type Config struct {
	MetaDBPath        string // path to SQLite database of record
	ListenAddr        string // HTTP listen address (default ":8080")
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	EncryptionKey     string // 64-char hex string (32-byte AES key) for sealing connection passwords
	LogLevel          string // log level: debug, info, warn, error (default "info")
	Env               string // environment: "development" (default) or "production"
	MetricsEnabled    bool

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// CORS
	CORSAllowedOrigins []string

	// RowLimit caps the rows returned by one execution; extra rows are truncated.
	RowLimit int

	// AllowedSystemSchemas lists catalog schemas queries may reference.
	AllowedSystemSchemas []string

	Auth       AuthConfig
	Pool       PoolConfig
	Translator TranslatorConfig
	Schema     SchemaConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:        envString("META_DB_PATH", "datapilot.sqlite"),
		ListenAddr:        envString("LISTEN_ADDR", ":8080"),
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
		AllowInsecureHTTP: parseBoolEnvDefault("ALLOW_INSECURE_HTTP", false),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		Env:               envString("ENV", "development"),
		MetricsEnabled:    parseBoolEnvDefault("METRICS_ENABLED", true),
	}

	cfg.RateLimitRPS = cfg.envFloat("RATE_LIMIT_RPS", 50)
	cfg.RateLimitBurst = cfg.envInt("RATE_LIMIT_BURST", 100)
	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	cfg.RowLimit = cfg.envInt("ROW_LIMIT", 10000)
	cfg.AllowedSystemSchemas = splitList(os.Getenv("SQL_ALLOWED_SYSTEM_SCHEMAS"))

	cfg.Auth = AuthConfig{
		IssuerURL:   os.Getenv("OIDC_ISSUER_URL"),
		Audience:    os.Getenv("OIDC_AUDIENCE"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		TenantClaim: envString("TENANT_CLAIM", "org_id"),
		EmailClaim:  envString("EMAIL_CLAIM", "email"),
	}

	policy := strings.ToLower(envString("POOL_ACQUIRE_POLICY", "block"))
	if policy != "block" && policy != "fail" {
		return nil, fmt.Errorf("POOL_ACQUIRE_POLICY must be \"block\" or \"fail\", got %q", policy)
	}
	cfg.Pool = PoolConfig{
		MaxConcurrent:    cfg.envInt("POOL_MAX_CONCURRENT", 5),
		BlockOnExhausted: policy == "block",
		AcquireTimeout:   cfg.envDuration("POOL_ACQUIRE_TIMEOUT", 5*time.Second),
		IdleTTL:          cfg.envDuration("POOL_IDLE_TTL", 30*time.Minute),
		MaxOpenPools:     cfg.envInt("POOL_MAX_OPEN", 100),
		ConnectTimeout:   cfg.envDuration("POOL_CONNECT_TIMEOUT", 5*time.Second),
		ConnectRetries:   cfg.envInt("POOL_CONNECT_RETRIES", 2),
		StatementTimeout: cfg.envDuration("STATEMENT_TIMEOUT", 30*time.Second),
	}

	cfg.Translator = TranslatorConfig{
		Provider:           strings.ToLower(envString("TRANSLATOR_PROVIDER", "openai")),
		Timeout:            cfg.envDuration("TRANSLATOR_TIMEOUT", 60*time.Second),
		MaxTokens:          cfg.envInt("TRANSLATOR_MAX_TOKENS", 2000),
		Temperature:        float32(cfg.envFloat("TRANSLATOR_TEMPERATURE", 0.1)),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        envString("OPENAI_MODEL", "gpt-4o-mini"),
		AWSRegion:          envString("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		BedrockModelID:     envString("BEDROCK_MODEL_ID", "anthropic.claude-3-sonnet-20240229-v1:0"),
	}
	switch cfg.Translator.Provider {
	case "openai", "bedrock", "none":
	default:
		return nil, fmt.Errorf("TRANSLATOR_PROVIDER must be openai, bedrock or none, got %q", cfg.Translator.Provider)
	}

	cfg.Schema = SchemaConfig{
		MaxTables: cfg.envInt("SCHEMA_MAX_TABLES", 50),
		CacheTTL:  cfg.envDuration("SCHEMA_CACHE_TTL", 10*time.Minute),
		RedisURL:  os.Getenv("REDIS_URL"),
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.Pool.MaxConcurrent < 1 {
		return nil, fmt.Errorf("POOL_MAX_CONCURRENT must be at least 1")
	}
	if cfg.RowLimit < 1 {
		return nil, fmt.Errorf("ROW_LIMIT must be at least 1")
	}
	if !cfg.Auth.Enabled() {
		cfg.Warnings = append(cfg.Warnings, "no identity verifier configured; set OIDC_ISSUER_URL or JWT_SECRET")
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = insecureDefaultKey
		cfg.Warnings = append(cfg.Warnings, "ENCRYPTION_KEY not set, using insecure default. Set ENCRYPTION_KEY in production!")
	}
	if cfg.Translator.Provider == "openai" && cfg.Translator.OpenAIAPIKey == "" && cfg.Translator.OpenAIBaseURL == "" {
		cfg.Warnings = append(cfg.Warnings, "OPENAI_API_KEY not set, translation requests will fail")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Auth.Enabled() {
			return nil, fmt.Errorf("an identity verifier must be configured in production (set OIDC_ISSUER_URL or JWT_SECRET)")
		}
		if cfg.Auth.OIDCEnabled() && cfg.Auth.Audience == "" {
			return nil, fmt.Errorf("OIDC_AUDIENCE is required when OIDC_ISSUER_URL is set")
		}
		if cfg.EncryptionKey == insecureDefaultKey {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.TLSCertFile == "" && !cfg.AllowInsecureHTTP {
			return nil, fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using default %d", key, v, def))
		return def
	}
	return n
}

func (c *Config) envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using default %g", key, v, def))
		return def
	}
	return f
}

func (c *Config) envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using default %s", key, v, def))
		return def
	}
	return d
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := setIfUnset(strings.TrimSpace(key), stripQuotes(strings.TrimSpace(value))); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LoadYAMLFile reads a flat YAML mapping of environment variable names to
// values and sets any variables not already in the environment.
func LoadYAMLFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for key, raw := range values {
		var value string
		switch v := raw.(type) {
		case nil:
			continue
		case []interface{}:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			value = strings.Join(items, ",")
		case map[string]interface{}:
			return fmt.Errorf("parse %s: key %s must be a scalar or list", path, key)
		default:
			value = fmt.Sprint(v)
		}
		if err := setIfUnset(strings.ToUpper(key), value); err != nil {
			return err
		}
	}
	return nil
}

func setIfUnset(key, value string) error {
	if os.Getenv(key) != "" {
		return nil
	}
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("setenv %s: %w", key, err)
	}
	return nil
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
