// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → dlp-proxy-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort   int    `json:"proxyPort"`
	BindAddress string `json:"bindAddress"`
	LogLevel    string `json:"logLevel"`

	// DataDir holds dlp-proxy.db (request log) and dlp-patterns.db (pattern
	// store / backend registry), plus any on-disk settings files.
	DataDir string `json:"dataDir"`

	// ManagementToken, when non-empty, guards the Control Surface with a
	// bearer token. Empty means no authentication.
	ManagementToken string `json:"managementToken"`

	// MaxBodyBytes bounds request-body buffering for DLP inspection; bodies
	// beyond this size are forwarded unredacted (dlp_action=Passed).
	MaxBodyBytes int64 `json:"maxBodyBytes"`

	// RetentionDays bounds how long RequestLogRecord rows survive.
	RetentionDays int `json:"retentionDays"`
	// SweepIntervalMinutes is how often the retention sweeper runs.
	SweepIntervalMinutes int `json:"sweepIntervalMinutes"`

	// DefaultRateLimitRequests / DefaultRateLimitMinutes seed new backends'
	// rate-limit settings; 0 requests means unlimited.
	DefaultRateLimitRequests int `json:"defaultRateLimitRequests"`
	DefaultRateLimitMinutes  int `json:"defaultRateLimitMinutes"`

	UpstreamConnectTimeoutSeconds int `json:"upstreamConnectTimeoutSeconds"`
	UpstreamIdleTimeoutSeconds    int `json:"upstreamIdleTimeoutSeconds"`
	UpstreamTotalTimeoutSeconds   int `json:"upstreamTotalTimeoutSeconds"`
}

// Load returns config with defaults overridden by dlp-proxy-config.json and
// environment variables.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "dlp-proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ProxyPort:                     8008,
		BindAddress:                   "127.0.0.1",
		LogLevel:                      "info",
		DataDir:                       dataDir,
		MaxBodyBytes:                  32 * 1024 * 1024,
		RetentionDays:                 7,
		SweepIntervalMinutes:          60,
		DefaultRateLimitRequests:      0,
		DefaultRateLimitMinutes:       1,
		UpstreamConnectTimeoutSeconds: 10,
		UpstreamIdleTimeoutSeconds:    120,
		UpstreamTotalTimeoutSeconds:   600,
	}
}

// defaultDataDir picks a user-local config directory, falling back to the
// current directory if none can be determined.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dlp-proxy")
	}
	return "."
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepIntervalMinutes = n
		}
	}
}
