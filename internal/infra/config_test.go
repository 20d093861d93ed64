package infra

import (
	"testing"
	"time"

	"studio/internal/domain"
)

func TestLoadConfigDefaultAllowlistFollowsPort(t *testing.T) {
	t.Setenv("PORT", "1919")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("JOBS_BASE_URL", "")
	t.Setenv("IMAGE_SOURCE_HOST_ALLOWLIST", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "http://localhost:1919" {
		t.Fatalf("PublicBaseURL mismatch: got %q", cfg.PublicBaseURL)
	}
	if cfg.JobsBaseURL != cfg.PublicBaseURL {
		t.Fatalf("JobsBaseURL should default to PublicBaseURL, got %q", cfg.JobsBaseURL)
	}
	if len(cfg.ImageSourceAllowlist) != 1 || cfg.ImageSourceAllowlist[0] != "localhost" {
		t.Fatalf("ImageSourceAllowlist mismatch: %#v", cfg.ImageSourceAllowlist)
	}
}

func TestLoadConfigMergesExplicitAllowlist(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://cdn.example.com/")
	t.Setenv("JOBS_BASE_URL", "")
	t.Setenv("IMAGE_SOURCE_HOST_ALLOWLIST", "media.example.com, localhost ,CDN.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := []string{"cdn.example.com", "localhost", "media.example.com"}
	if len(cfg.ImageSourceAllowlist) != len(expected) {
		t.Fatalf("ImageSourceAllowlist mismatch: got %#v want %#v", cfg.ImageSourceAllowlist, expected)
	}
	for i, host := range expected {
		if cfg.ImageSourceAllowlist[i] != host {
			t.Fatalf("ImageSourceAllowlist[%d] = %q, want %q", i, cfg.ImageSourceAllowlist[i], host)
		}
	}
	if !cfg.AllowsImageHost("img.media.example.com") {
		t.Fatalf("subdomain of an allowed host should be accepted")
	}
	if cfg.AllowsImageHost("evil-example.com") {
		t.Fatalf("unlisted host must be rejected")
	}
}

func TestLoadConfigPollSettings(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("POLL_NOT_FOUND_TOLERANCE", "10")
	t.Setenv("POLL_MAX_ATTEMPTS", "30")
	t.Setenv("FETCH_RETRY_DELAY_MS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.PollNotFoundTolerance != 10 || cfg.PollMaxAttempts != 30 {
		t.Fatalf("poll limits = %d/%d", cfg.PollNotFoundTolerance, cfg.PollMaxAttempts)
	}
	if cfg.FetchRetryDelay != 750*time.Millisecond {
		t.Fatalf("FetchRetryDelay default = %s", cfg.FetchRetryDelay)
	}
}

func TestLoadConfigSessionIdleTTL(t *testing.T) {
	t.Setenv("SESSION_IDLE_TTL_MINUTES", "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("SessionIdleTTL default = %s", cfg.SessionIdleTTL)
	}

	t.Setenv("SESSION_IDLE_TTL_MINUTES", "5")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SessionIdleTTL != 5*time.Minute {
		t.Fatalf("SessionIdleTTL = %s", cfg.SessionIdleTTL)
	}
}

func TestLoadConfigRejectsZeroAttempts(t *testing.T) {
	t.Setenv("POLL_MAX_ATTEMPTS", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for POLL_MAX_ATTEMPTS=0")
	}
}

func TestLoadConfigSurfaceSettings(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://studio.example.com ,, http://localhost:5173")
	t.Setenv("ARTIFACT_STORE_MODE", "BASE64")
	t.Setenv("STORAGE_PATH", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[0] != "https://studio.example.com" {
		t.Fatalf("CORSAllowedOrigins = %#v", cfg.CORSAllowedOrigins)
	}
	if cfg.ArtifactStoreMode != "base64" || cfg.StoreMode() != domain.StoreBase64 {
		t.Fatalf("ArtifactStoreMode = %q", cfg.ArtifactStoreMode)
	}
	if cfg.StoragePath != "./storage" {
		t.Fatalf("StoragePath = %q", cfg.StoragePath)
	}

	t.Setenv("ARTIFACT_STORE_MODE", "s3")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown store mode")
	}
}
