// Package config loads gateway settings from an optional YAML file with
// environment overrides. Every knob has a default so the binary runs with
// no configuration at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCodeAssistEndpoint is the production Code-Assist API base.
	DefaultCodeAssistEndpoint = "https://cloudcode-pa.googleapis.com/v1internal"

	// MaxBodyBytes callers may post. Large tool schemas need generous room.
	DefaultMaxBodyBytes = 50 << 20
)

// Config holds every runtime knob of the gateway.
type Config struct {
	ListenAddr string
	DBPath     string

	// Secrets and admin surface.
	EncryptionKey string
	AdminPassword string
	JWTSecret     string

	// OAuth enrollment.
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	// Upstream.
	CodeAssistEndpoints []string
	DefaultModel        string
	FallbackModel       string
	FallbackModelV2     string
	UnaryTimeout        time.Duration
	StreamTimeout       time.Duration

	// Rotation engine.
	MaxAttempts          int
	InterIdentityStagger time.Duration
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	JitterFactor         float64
	RateLimitMax         int
	RateLimitWindow      time.Duration
	ConcurrencyCap       int64
	IdentityCacheTTL     time.Duration
	TokenRefreshMargin   time.Duration
	ExhaustionCooldown   time.Duration
	ProbeMargin          time.Duration
	MinProbeInterval     time.Duration
	ReactivateInterval   time.Duration

	// Inbound limits and logging.
	MaxBodyBytes       int64
	RequestLogMaxChars int
}

// fileConfig mirrors Config with YAML-friendly types. Durations are strings
// in Go duration syntax ("150ms", "60s", "5m").
type fileConfig struct {
	ListenAddr           string   `yaml:"listen_addr"`
	DBPath               string   `yaml:"db_path"`
	EncryptionKey        string   `yaml:"encryption_key"`
	AdminPassword        string   `yaml:"admin_password"`
	JWTSecret            string   `yaml:"jwt_secret"`
	GoogleClientID       string   `yaml:"google_client_id"`
	GoogleClientSecret   string   `yaml:"google_client_secret"`
	OAuthRedirectURL     string   `yaml:"oauth_redirect_url"`
	CodeAssistEndpoints  []string `yaml:"code_assist_endpoints"`
	DefaultModel         string   `yaml:"default_model"`
	FallbackModel        string   `yaml:"fallback_model"`
	FallbackModelV2      string   `yaml:"fallback_model_v2"`
	UnaryTimeout         string   `yaml:"unary_timeout"`
	StreamTimeout        string   `yaml:"stream_timeout"`
	MaxAttempts          *int     `yaml:"max_attempts"`
	InterIdentityStagger string   `yaml:"inter_identity_stagger"`
	BaseRetryDelay       string   `yaml:"base_retry_delay"`
	MaxRetryDelay        string   `yaml:"max_retry_delay"`
	JitterFactor         *float64 `yaml:"jitter_factor"`
	RateLimitMax         *int     `yaml:"rate_limit_max"`
	RateLimitWindow      string   `yaml:"rate_limit_window"`
	ConcurrencyCap       *int64   `yaml:"concurrency_cap"`
	IdentityCacheTTL     string   `yaml:"identity_cache_ttl"`
	TokenRefreshMargin   string   `yaml:"token_refresh_margin"`
	ExhaustionCooldown   string   `yaml:"exhaustion_cooldown"`
	ProbeMargin          string   `yaml:"probe_margin"`
	MinProbeInterval     string   `yaml:"min_probe_interval"`
	ReactivateInterval   string   `yaml:"reactivate_interval"`
	MaxBodyBytes         *int64   `yaml:"max_body_bytes"`
	RequestLogMaxChars   *int     `yaml:"request_log_max_chars"`
}

// Default returns the configuration used when no file and no env are present.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8787",
		DBPath:               "data/relay.db",
		CodeAssistEndpoints:  []string{DefaultCodeAssistEndpoint},
		DefaultModel:         "gemini-3-flash",
		FallbackModel:        "gemini-3-pro",
		FallbackModelV2:      "gemini-3.1-pro",
		UnaryTimeout:         30 * time.Second,
		StreamTimeout:        120 * time.Second,
		MaxAttempts:          5,
		InterIdentityStagger: 150 * time.Millisecond,
		BaseRetryDelay:       2 * time.Second,
		MaxRetryDelay:        60 * time.Second,
		JitterFactor:         0.2,
		RateLimitMax:         60,
		RateLimitWindow:      60 * time.Second,
		ConcurrencyCap:       3,
		IdentityCacheTTL:     5 * time.Second,
		TokenRefreshMargin:   5 * time.Minute,
		ExhaustionCooldown:   60 * time.Minute,
		ProbeMargin:          2 * time.Minute,
		MinProbeInterval:     30 * time.Second,
		ReactivateInterval:   5 * time.Minute,
		MaxBodyBytes:         DefaultMaxBodyBytes,
		RequestLogMaxChars:   2000,
	}
}

// Load builds the effective configuration: defaults, then the YAML file if
// one is found, then environment variables. A missing file is not an error.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := Default()

	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("invalid config file %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/relay.yaml",
		"./relay.yaml",
		"/etc/relay/relay.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "relay", "relay.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.EncryptionKey, fc.EncryptionKey)
	setString(&c.AdminPassword, fc.AdminPassword)
	setString(&c.JWTSecret, fc.JWTSecret)
	setString(&c.GoogleClientID, fc.GoogleClientID)
	setString(&c.GoogleClientSecret, fc.GoogleClientSecret)
	setString(&c.OAuthRedirectURL, fc.OAuthRedirectURL)
	setString(&c.DefaultModel, fc.DefaultModel)
	setString(&c.FallbackModel, fc.FallbackModel)
	setString(&c.FallbackModelV2, fc.FallbackModelV2)
	if len(fc.CodeAssistEndpoints) > 0 {
		c.CodeAssistEndpoints = normalizeEndpoints(fc.CodeAssistEndpoints)
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.UnaryTimeout, &c.UnaryTimeout},
		{fc.StreamTimeout, &c.StreamTimeout},
		{fc.InterIdentityStagger, &c.InterIdentityStagger},
		{fc.BaseRetryDelay, &c.BaseRetryDelay},
		{fc.MaxRetryDelay, &c.MaxRetryDelay},
		{fc.RateLimitWindow, &c.RateLimitWindow},
		{fc.IdentityCacheTTL, &c.IdentityCacheTTL},
		{fc.TokenRefreshMargin, &c.TokenRefreshMargin},
		{fc.ExhaustionCooldown, &c.ExhaustionCooldown},
		{fc.ProbeMargin, &c.ProbeMargin},
		{fc.MinProbeInterval, &c.MinProbeInterval},
		{fc.ReactivateInterval, &c.ReactivateInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			return err
		}
	}

	if fc.MaxAttempts != nil {
		c.MaxAttempts = *fc.MaxAttempts
	}
	if fc.JitterFactor != nil {
		c.JitterFactor = *fc.JitterFactor
	}
	if fc.RateLimitMax != nil {
		c.RateLimitMax = *fc.RateLimitMax
	}
	if fc.ConcurrencyCap != nil {
		c.ConcurrencyCap = *fc.ConcurrencyCap
	}
	if fc.MaxBodyBytes != nil {
		c.MaxBodyBytes = *fc.MaxBodyBytes
	}
	if fc.RequestLogMaxChars != nil {
		c.RequestLogMaxChars = *fc.RequestLogMaxChars
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, os.Getenv("LISTEN_ADDR"))
	setString(&c.DBPath, os.Getenv("DB_PATH"))
	setString(&c.EncryptionKey, os.Getenv("ENCRYPTION_KEY"))
	setString(&c.AdminPassword, os.Getenv("ADMIN_PASSWORD"))
	setString(&c.JWTSecret, os.Getenv("JWT_SECRET"))
	setString(&c.GoogleClientID, os.Getenv("GOOGLE_CLIENT_ID"))
	setString(&c.GoogleClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET"))
	setString(&c.OAuthRedirectURL, os.Getenv("OAUTH_REDIRECT_URL"))
	setString(&c.DefaultModel, os.Getenv("DEFAULT_MODEL"))
	setString(&c.FallbackModel, os.Getenv("FALLBACK_MODEL"))
	setString(&c.FallbackModelV2, os.Getenv("FALLBACK_MODEL_V2"))

	if raw := strings.TrimSpace(os.Getenv("CODE_ASSIST_ENDPOINTS")); raw != "" {
		c.CodeAssistEndpoints = normalizeEndpoints(strings.Split(raw, ","))
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"UNARY_TIMEOUT", &c.UnaryTimeout},
		{"STREAM_TIMEOUT", &c.StreamTimeout},
		{"INTER_IDENTITY_STAGGER", &c.InterIdentityStagger},
		{"BASE_RETRY_DELAY", &c.BaseRetryDelay},
		{"MAX_RETRY_DELAY", &c.MaxRetryDelay},
		{"RATE_LIMIT_WINDOW", &c.RateLimitWindow},
		{"IDENTITY_CACHE_TTL", &c.IdentityCacheTTL},
		{"TOKEN_REFRESH_MARGIN", &c.TokenRefreshMargin},
		{"EXHAUSTION_COOLDOWN", &c.ExhaustionCooldown},
		{"PROBE_MARGIN", &c.ProbeMargin},
		{"MIN_PROBE_INTERVAL", &c.MinProbeInterval},
		{"REACTIVATE_INTERVAL", &c.ReactivateInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, os.Getenv(d.env)); err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"MAX_ATTEMPTS", &c.MaxAttempts},
		{"RATE_LIMIT_MAX", &c.RateLimitMax},
		{"REQUEST_LOG_MAX_CHARS", &c.RequestLogMaxChars},
	}
	for _, iv := range ints {
		if raw := strings.TrimSpace(os.Getenv(iv.env)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", iv.env, err)
			}
			*iv.dst = n
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCURRENCY_CAP")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CONCURRENCY_CAP: %w", err)
		}
		c.ConcurrencyCap = n
	}
	if raw := strings.TrimSpace(os.Getenv("MAX_BODY_BYTES")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_BODY_BYTES: %w", err)
		}
		c.MaxBodyBytes = n
	}
	if raw := strings.TrimSpace(os.Getenv("JITTER_FACTOR")); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid JITTER_FACTOR: %w", err)
		}
		c.JitterFactor = f
	}
	return nil
}

// FallbackChain returns the ordered model fallback list.
func (c *Config) FallbackChain() []string {
	return []string{c.DefaultModel, c.FallbackModel, c.FallbackModelV2}
}

// NextFallbackModel returns the model to try after a 429 on the given model,
// or "" when the chain is spent. Models outside the chain fall back to the
// first fallback entry.
func (c *Config) NextFallbackModel(model string) string {
	switch model {
	case c.FallbackModelV2:
		return ""
	case c.FallbackModel:
		return c.FallbackModelV2
	default:
		return c.FallbackModel
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", raw)
	}
	*dst = d
	return nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		out = []string{DefaultCodeAssistEndpoint}
	}
	return out
}
