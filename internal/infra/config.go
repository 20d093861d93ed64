package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"studio/internal/domain"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv        string
	Port          string
	DatabaseURL   string
	PublicBaseURL string
	DefaultLocale string
	GeoIPDBPath   string

	JobsBaseURL   string
	JobsAPIKey    string
	StreamBaseURL string
	StreamAPIKey  string
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	QwenAPIKey    string
	QwenModel     string
	QwenBaseURL   string

	PollInterval          time.Duration
	PollNotFoundTolerance int
	PollMaxAttempts       int
	PollMaxDuration       time.Duration
	FetchRetryDelay       time.Duration
	FetchTimeout          time.Duration
	NormalizeConcurrency  int
	WorkerIdleInterval    time.Duration
	SessionIdleTTL        time.Duration

	ImageSourceAllowlist []string
	CORSAllowedOrigins   []string
	EditRateLimit        int
	ArtifactStoreMode    string
	StoragePath          string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig reads .env files when present, then environment variables, and
// applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	port := getEnv("PORT", "8080")
	publicBase := strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/")
	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		Port:          port,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PublicBaseURL: publicBase,
		DefaultLocale: getEnv("DEFAULT_LOCALE", "id"),
		GeoIPDBPath:   os.Getenv("GEOIP_DB_PATH"),

		JobsBaseURL:   strings.TrimRight(getEnv("JOBS_BASE_URL", publicBase), "/"),
		JobsAPIKey:    os.Getenv("JOBS_API_KEY"),
		StreamBaseURL: strings.TrimRight(os.Getenv("STREAM_BASE_URL"), "/"),
		StreamAPIKey:  os.Getenv("STREAM_API_KEY"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		QwenAPIKey:    os.Getenv("DASHSCOPE_API_KEY"),
		QwenModel:     getEnv("QWEN_MODEL", "qwen-image-edit"),
		QwenBaseURL:   getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),

		PollInterval:          getEnvMillis("POLL_INTERVAL_MS", 2000),
		PollNotFoundTolerance: getEnvInt("POLL_NOT_FOUND_TOLERANCE", 20),
		PollMaxAttempts:       getEnvInt("POLL_MAX_ATTEMPTS", 150),
		PollMaxDuration:       time.Second * time.Duration(getEnvInt("POLL_MAX_DURATION_SECONDS", 600)),
		FetchRetryDelay:       getEnvMillis("FETCH_RETRY_DELAY_MS", 750),
		FetchTimeout:          time.Second * time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 30)),
		NormalizeConcurrency:  getEnvInt("NORMALIZE_CONCURRENCY", 4),
		WorkerIdleInterval:    getEnvMillis("WORKER_IDLE_INTERVAL_MS", 2000),
		SessionIdleTTL:        time.Minute * time.Duration(getEnvInt("SESSION_IDLE_TTL_MINUTES", 30)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}
	cfg.ImageSourceAllowlist = buildAllowlist(cfg.PublicBaseURL, os.Getenv("IMAGE_SOURCE_HOST_ALLOWLIST"))
	cfg.CORSAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"))
	cfg.EditRateLimit = getEnvInt("EDIT_RATE_LIMIT_PER_MINUTE", 30)
	cfg.ArtifactStoreMode = strings.ToLower(getEnv("ARTIFACT_STORE_MODE", "url"))
	cfg.StoragePath = getEnv("STORAGE_PATH", "./storage")

	if cfg.PollMaxAttempts <= 0 {
		return nil, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if cfg.PollNotFoundTolerance <= 0 {
		return nil, fmt.Errorf("POLL_NOT_FOUND_TOLERANCE must be positive")
	}
	if cfg.ArtifactStoreMode != "url" && cfg.ArtifactStoreMode != "base64" {
		return nil, fmt.Errorf("ARTIFACT_STORE_MODE must be url or base64")
	}
	if _, err := url.ParseRequestURI(cfg.JobsBaseURL); err != nil {
		return nil, fmt.Errorf("JOBS_BASE_URL is invalid: %w", err)
	}

	return cfg, nil
}

// HasDatabase reports whether a DATABASE_URL was configured.
func (c *Config) HasDatabase() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// StoreMode maps ARTIFACT_STORE_MODE onto the artifact representation.
func (c *Config) StoreMode() domain.StoreMode {
	if c.ArtifactStoreMode == "base64" {
		return domain.StoreBase64
	}
	return domain.StoreURL
}

// AllowsImageHost reports whether source images may be fetched from host.
func (c *Config) AllowsImageHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, allowed := range c.ImageSourceAllowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func buildAllowlist(publicBase, explicit string) []string {
	seen := map[string]struct{}{}
	if u, err := url.Parse(publicBase); err == nil && u.Hostname() != "" {
		seen[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, host := range strings.Split(explicit, ",") {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			seen[host] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(getEnvInt(key, fallback))
}
