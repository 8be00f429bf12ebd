package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gatekeeper
type Config struct {
	// Server
	BaseURL string
	Port    string

	// Backend
	BackendMode           string // "filesystem" or "http"
	BackendFilesystemRoot string
	BackendHost           string
	BackendPort           string
	BackendUseHTTPS       bool
	BackendSSLVerify      bool

	// Streaming / delivery (C12)
	StreamingThreshold int64
	SendfileMaxChunk   int64
	OutputBuffersSize  int64
	OutputBuffersCount int

	// Lifetimes
	SessionTTL       time.Duration
	IPAccessTTL      time.Duration
	M3U8SingleUseTTL time.Duration
	UserSessionTTL   time.Duration

	// Token replay (C8)
	TokenReplayEnabled bool
	TokenReplayMaxUses int
	TokenReplayTTL     time.Duration

	// Key protect (C9 + C10)
	KeyProtectEnabled     bool
	KeyProtectDynamicM3U8 bool
	KeyProtectMaxUses     int
	KeyProtectTTL         time.Duration
	KeyProtectExtensions  []string

	// M3U8 content cache
	M3U8ContentCacheEnabled bool
	M3U8ContentCacheTTL     time.Duration

	// Whitelist FIFO caps (C6)
	MaxPathsPerCIDR    int
	MaxUAIPPairsPerUID int

	// Static / skip-validation policy
	EnableStaticFileIPOnlyCheck    bool
	StaticFileExtensions           []string
	FullyAllowedExtensions         []string
	LegacySkipValidationExtensions []string

	// Fixed IP bypass
	FixedIPWhitelist []string

	// M3U8 adaptive access limits
	M3U8AccessWindowTTL         time.Duration
	EnableBrowserAdaptiveAccess bool
	M3U8DefaultMaxAccessCount   int

	// Safe key redirect
	SafeKeyProtectEnabled  bool
	SafeKeyRedirectBaseURL string

	// Secrets
	SecretKey            string
	JSWhitelistSecretKey string
	APIKey               string

	// Coordinator / storage switches
	EnableParallelValidation   bool
	EnableRequestDeduplication bool
	EnableRedisPipeline        bool
	EnableResponseStreaming    bool

	// Session cookie
	SessionCookieName string
	CookieHTTPOnly    bool
	CookieSecure      bool
	CookieSameSite    string

	// JS whitelist
	EnableJSWhitelistTracker bool
	JSWhitelistTrackerTTL    time.Duration
	JSWhitelistSignatureTTL  time.Duration

	// Test-mode bypass switches
	DisableIPWhitelist       bool
	DisablePathProtection    bool
	DisableSessionValidation bool

	// Storage
	RedisURL string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),
		Port:    getEnv("PORT", "8080"),

		BackendMode:           getEnv("BACKEND_MODE", "filesystem"),
		BackendFilesystemRoot: getEnv("BACKEND_FILESYSTEM_ROOT", "/var/hls"),
		BackendHost:           getEnv("BACKEND_HOST", "127.0.0.1"),
		BackendPort:           getEnv("BACKEND_PORT", "8081"),
		BackendUseHTTPS:       getEnvBool("BACKEND_USE_HTTPS", false),
		BackendSSLVerify:      getEnvBool("BACKEND_SSL_VERIFY", true),

		StreamingThreshold: getEnvInt64("STREAMING_THRESHOLD", 10*1024*1024),
		SendfileMaxChunk:   getEnvInt64("SENDFILE_MAX_CHUNK", 2*1024*1024),
		OutputBuffersSize:  getEnvInt64("OUTPUT_BUFFERS_SIZE", 32*1024),
		OutputBuffersCount: getEnvInt("OUTPUT_BUFFERS_COUNT", 8),

		TokenReplayEnabled: getEnvBool("TOKEN_REPLAY_ENABLED", true),
		TokenReplayMaxUses: getEnvInt("TOKEN_REPLAY_MAX_USES", 3),

		KeyProtectEnabled:     getEnvBool("KEY_PROTECT_ENABLED", true),
		KeyProtectDynamicM3U8: getEnvBool("KEY_PROTECT_DYNAMIC_M3U8", true),
		KeyProtectMaxUses:     getEnvInt("KEY_PROTECT_MAX_USES", 1),
		KeyProtectExtensions:  getEnvStringSlice("KEY_PROTECT_EXTENSIONS", []string{".key", "enc.key"}),

		M3U8ContentCacheEnabled: getEnvBool("M3U8_CONTENT_CACHE_ENABLED", true),

		MaxPathsPerCIDR:    getEnvInt("MAX_PATHS_PER_CIDR", 5),
		MaxUAIPPairsPerUID: getEnvInt("MAX_UA_IP_PAIRS_PER_UID", 10),

		EnableStaticFileIPOnlyCheck: getEnvBool("ENABLE_STATIC_FILE_IP_ONLY_CHECK", true),
		StaticFileExtensions: getEnvStringSlice("STATIC_FILE_EXTENSIONS",
			[]string{".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".css", ".js", ".woff", ".woff2"}),
		FullyAllowedExtensions:         getEnvStringSlice("FULLY_ALLOWED_EXTENSIONS", []string{".html", ".txt"}),
		LegacySkipValidationExtensions: getEnvStringSlice("LEGACY_SKIP_VALIDATION_EXTENSIONS", nil),

		FixedIPWhitelist: getEnvStringSlice("FIXED_IP_WHITELIST", nil),

		EnableBrowserAdaptiveAccess: getEnvBool("ENABLE_BROWSER_ADAPTIVE_ACCESS", true),
		M3U8DefaultMaxAccessCount:   getEnvInt("M3U8_DEFAULT_MAX_ACCESS_COUNT", 10),

		SafeKeyProtectEnabled:  getEnvBool("SAFE_KEY_PROTECT_ENABLED", false),
		SafeKeyRedirectBaseURL: getEnv("SAFE_KEY_REDIRECT_BASE_URL", ""),

		SecretKey:            getEnv("SECRET_KEY", ""),
		JSWhitelistSecretKey: getEnv("JS_WHITELIST_SECRET_KEY", ""),
		APIKey:               getEnv("API_KEY", ""),

		EnableParallelValidation:   getEnvBool("ENABLE_PARALLEL_VALIDATION", true),
		EnableRequestDeduplication: getEnvBool("ENABLE_REQUEST_DEDUPLICATION", true),
		EnableRedisPipeline:        getEnvBool("ENABLE_REDIS_PIPELINE", true),
		EnableResponseStreaming:    getEnvBool("ENABLE_RESPONSE_STREAMING", true),

		SessionCookieName: getEnv("SESSION_COOKIE_NAME", "gatekeeper_session"),
		CookieHTTPOnly:    getEnvBool("COOKIE_HTTPONLY", true),
		CookieSecure:      getEnvBool("COOKIE_SECURE", true),
		CookieSameSite:    getEnv("COOKIE_SAMESITE", "Lax"),

		EnableJSWhitelistTracker: getEnvBool("ENABLE_JS_WHITELIST_TRACKER", true),

		DisableIPWhitelist:       getEnvBool("DISABLE_IP_WHITELIST", false),
		DisablePathProtection:    getEnvBool("DISABLE_PATH_PROTECTION", false),
		DisableSessionValidation: getEnvBool("DISABLE_SESSION_VALIDATION", false),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
	}

	var err error
	if cfg.SessionTTL, err = time.ParseDuration(getEnv("SESSION_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}
	if cfg.IPAccessTTL, err = time.ParseDuration(getEnv("IP_ACCESS_TTL", "720h")); err != nil {
		return nil, fmt.Errorf("invalid IP_ACCESS_TTL: %w", err)
	}
	if cfg.M3U8SingleUseTTL, err = time.ParseDuration(getEnv("M3U8_SINGLE_USE_TTL", "60s")); err != nil {
		return nil, fmt.Errorf("invalid M3U8_SINGLE_USE_TTL: %w", err)
	}
	if cfg.UserSessionTTL, err = time.ParseDuration(getEnv("USER_SESSION_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("invalid USER_SESSION_TTL: %w", err)
	}
	if cfg.TokenReplayTTL, err = time.ParseDuration(getEnv("TOKEN_REPLAY_TTL", "300s")); err != nil {
		return nil, fmt.Errorf("invalid TOKEN_REPLAY_TTL: %w", err)
	}
	if cfg.KeyProtectTTL, err = time.ParseDuration(getEnv("KEY_PROTECT_TTL", "60s")); err != nil {
		return nil, fmt.Errorf("invalid KEY_PROTECT_TTL: %w", err)
	}
	if cfg.M3U8ContentCacheTTL, err = time.ParseDuration(getEnv("M3U8_CONTENT_CACHE_TTL", "10s")); err != nil {
		return nil, fmt.Errorf("invalid M3U8_CONTENT_CACHE_TTL: %w", err)
	}
	if cfg.M3U8AccessWindowTTL, err = time.ParseDuration(getEnv("M3U8_ACCESS_WINDOW_TTL", "60s")); err != nil {
		return nil, fmt.Errorf("invalid M3U8_ACCESS_WINDOW_TTL: %w", err)
	}
	if cfg.JSWhitelistTrackerTTL, err = time.ParseDuration(getEnv("JS_WHITELIST_TRACKER_TTL", "720h")); err != nil {
		return nil, fmt.Errorf("invalid JS_WHITELIST_TRACKER_TTL: %w", err)
	}
	if cfg.JSWhitelistSignatureTTL, err = time.ParseDuration(getEnv("JS_WHITELIST_SIGNATURE_TTL", "300s")); err != nil {
		return nil, fmt.Errorf("invalid JS_WHITELIST_SIGNATURE_TTL: %w", err)
	}

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	if cfg.JSWhitelistSecretKey == "" {
		return nil, fmt.Errorf("JS_WHITELIST_SECRET_KEY is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}
	if cfg.BackendMode != "filesystem" && cfg.BackendMode != "http" {
		return nil, fmt.Errorf("BACKEND_MODE must be \"filesystem\" or \"http\", got %q", cfg.BackendMode)
	}
	if cfg.SafeKeyProtectEnabled && cfg.SafeKeyRedirectBaseURL == "" {
		return nil, fmt.Errorf("SAFE_KEY_REDIRECT_BASE_URL is required when SAFE_KEY_PROTECT_ENABLED=true")
	}

	if os.Getenv("ENV") == "production" && strings.Contains(cfg.BaseURL, "localhost") {
		return nil, fmt.Errorf("BASE_URL contains 'localhost' but ENV=production. Set BASE_URL to your public domain")
	}

	return cfg, nil
}

// LoadWithDefaults loads config with sensible defaults for development.
// Use this only for local development.
func LoadWithDefaults() *Config {
	secret := os.Getenv("SECRET_KEY")
	jsSecret := os.Getenv("JS_WHITELIST_SECRET_KEY")
	apiKey := os.Getenv("API_KEY")
	if secret == "" {
		os.Setenv("SECRET_KEY", "dev-secret-change-in-production")
	}
	if jsSecret == "" {
		os.Setenv("JS_WHITELIST_SECRET_KEY", "dev-js-whitelist-secret-change-in-production")
	}
	if apiKey == "" {
		os.Setenv("API_KEY", "dev-admin-key")
	}

	cfg, err := Load()
	if err != nil {
		// Fall back to a fully hardcoded default config rather than fail
		// startup outright; this path is for local development only.
		cfg = &Config{
			BaseURL:                        getEnv("BASE_URL", "http://localhost:8080"),
			Port:                           getEnv("PORT", "8080"),
			BackendMode:                    "filesystem",
			BackendFilesystemRoot:          getEnv("BACKEND_FILESYSTEM_ROOT", "./data/hls"),
			StreamingThreshold:             10 * 1024 * 1024,
			SendfileMaxChunk:               2 * 1024 * 1024,
			OutputBuffersSize:              32 * 1024,
			OutputBuffersCount:             8,
			SessionTTL:                     24 * time.Hour,
			IPAccessTTL:                    720 * time.Hour,
			M3U8SingleUseTTL:               60 * time.Second,
			UserSessionTTL:                 24 * time.Hour,
			TokenReplayEnabled:             true,
			TokenReplayMaxUses:             3,
			TokenReplayTTL:                 300 * time.Second,
			KeyProtectEnabled:              true,
			KeyProtectDynamicM3U8:          true,
			KeyProtectMaxUses:              1,
			KeyProtectTTL:                  60 * time.Second,
			KeyProtectExtensions:           []string{".key", "enc.key"},
			M3U8ContentCacheEnabled:        true,
			M3U8ContentCacheTTL:            10 * time.Second,
			MaxPathsPerCIDR:                5,
			MaxUAIPPairsPerUID:             10,
			EnableStaticFileIPOnlyCheck:    true,
			StaticFileExtensions:           []string{".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".css", ".js", ".woff", ".woff2"},
			FullyAllowedExtensions:         []string{".html", ".txt"},
			EnableBrowserAdaptiveAccess:    true,
			M3U8AccessWindowTTL:            60 * time.Second,
			M3U8DefaultMaxAccessCount:      10,
			SecretKey:                      "dev-secret-change-in-production",
			JSWhitelistSecretKey:           "dev-js-whitelist-secret-change-in-production",
			APIKey:                         "dev-admin-key",
			EnableParallelValidation:       true,
			EnableRequestDeduplication:     true,
			EnableRedisPipeline:            true,
			EnableResponseStreaming:        true,
			SessionCookieName:              "gatekeeper_session",
			CookieHTTPOnly:                 true,
			CookieSecure:                   false,
			CookieSameSite:                 "Lax",
			EnableJSWhitelistTracker:       true,
			JSWhitelistTrackerTTL:          720 * time.Hour,
			JSWhitelistSignatureTTL:        300 * time.Second,
			RedisURL:                       getEnv("REDIS_URL", "redis://localhost:6379"),
		}
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
