package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InterIdentityStagger != 150*time.Millisecond {
		t.Errorf("InterIdentityStagger = %v, want 150ms", cfg.InterIdentityStagger)
	}
	if cfg.RateLimitMax != 60 || cfg.RateLimitWindow != 60*time.Second {
		t.Errorf("rate limit = %d/%v, want 60/60s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.ConcurrencyCap != 3 {
		t.Errorf("ConcurrencyCap = %d, want 3", cfg.ConcurrencyCap)
	}
	if cfg.IdentityCacheTTL != 5*time.Second {
		t.Errorf("IdentityCacheTTL = %v, want 5s", cfg.IdentityCacheTTL)
	}
	if cfg.TokenRefreshMargin != 5*time.Minute {
		t.Errorf("TokenRefreshMargin = %v, want 5m", cfg.TokenRefreshMargin)
	}
	if cfg.ExhaustionCooldown != 60*time.Minute {
		t.Errorf("ExhaustionCooldown = %v, want 60m", cfg.ExhaustionCooldown)
	}
	if cfg.MaxBodyBytes != 50<<20 {
		t.Errorf("MaxBodyBytes = %d, want 50 MiB", cfg.MaxBodyBytes)
	}
	if len(cfg.CodeAssistEndpoints) != 1 || cfg.CodeAssistEndpoints[0] != DefaultCodeAssistEndpoint {
		t.Errorf("CodeAssistEndpoints = %v", cfg.CodeAssistEndpoints)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "relay.yaml")
	raw := `listen_addr: ":9999"
default_model: gemini-3-flash
rate_limit_max: 10
rate_limit_window: 30s
code_assist_endpoints:
  - https://cloudcode-pa.googleapis.com/v1internal/
`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAY_CONFIG_FILE", cfgPath)
	t.Setenv("RATE_LIMIT_MAX", "25")
	t.Setenv("INTER_IDENTITY_STAGGER", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	// Env wins over file.
	if cfg.RateLimitMax != 25 {
		t.Errorf("RateLimitMax = %d, want env override 25", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s from file", cfg.RateLimitWindow)
	}
	if cfg.InterIdentityStagger != 500*time.Millisecond {
		t.Errorf("InterIdentityStagger = %v, want 500ms", cfg.InterIdentityStagger)
	}
	// Trailing slash trimmed.
	if cfg.CodeAssistEndpoints[0] != "https://cloudcode-pa.googleapis.com/v1internal" {
		t.Errorf("endpoint not normalized: %q", cfg.CodeAssistEndpoints[0])
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", "")
	t.Setenv("IDENTITY_CACHE_TTL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatal("Load should fail on malformed duration")
	}
}

func TestNextFallbackModel(t *testing.T) {
	cfg := Default()
	tests := []struct {
		model string
		want  string
	}{
		{"gemini-3-flash", "gemini-3-pro"},
		{"gemini-3-pro", "gemini-3.1-pro"},
		{"gemini-3.1-pro", ""},
		{"gemini-3-flash-lite", "gemini-3-pro"},
	}
	for _, tt := range tests {
		if got := cfg.NextFallbackModel(tt.model); got != tt.want {
			t.Errorf("NextFallbackModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}
