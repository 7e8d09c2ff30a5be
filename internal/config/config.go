package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the flow discovery agent.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Local API surface
	BindAddr string

	// Tab matching and behavior
	PortalTabFilter string
	ReloadOnAttach  bool

	// Base URL the consumer surface (flow editor) is served from. The
	// discovered coordinate is appended as envId/resourceId query parameters.
	ConsumerURL string

	// Credential freshness and entry-action behavior
	ExpiryBufferSeconds  int
	DiscoveryWaitSeconds int

	// Optional YAML file extending the built-in API host allow-list.
	HostRulesPath string

	// Out-of-band diagnostics (ntfy-style endpoint). Empty disables.
	NotifyEndpoint string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:           getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:              getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		BindAddr:             getEnvOrDefault("AGENT_BIND_ADDR", "127.0.0.1:8189"),
		PortalTabFilter:      getEnvOrDefault("AGENT_PORTAL_TAB_FILTER", "powerautomate.com"),
		ReloadOnAttach:       getEnvBoolOrDefault("AGENT_RELOAD_ON_ATTACH", false),
		ConsumerURL:          getEnvOrDefault("AGENT_CONSUMER_URL", ""),
		ExpiryBufferSeconds:  getEnvIntOrDefault("AGENT_EXPIRY_BUFFER_SECONDS", 300),
		DiscoveryWaitSeconds: getEnvIntOrDefault("AGENT_DISCOVERY_WAIT_SECONDS", 30),
		HostRulesPath:        getEnvOrDefault("AGENT_HOST_RULES", ""),
		NotifyEndpoint:       getEnvOrDefault("AGENT_NOTIFY_ENDPOINT", ""),
		LogLevel:             strings.ToLower(getEnvOrDefault("AGENT_LOG_LEVEL", "info")),
		LogFile:              getEnvOrDefault("AGENT_LOG_FILE", "logs/agent.log"),
	}

	if cfg.ExpiryBufferSeconds < 0 {
		cfg.ExpiryBufferSeconds = 0
	}
	if cfg.DiscoveryWaitSeconds < 1 {
		cfg.DiscoveryWaitSeconds = 1
	}
	if cfg.ConsumerURL == "" {
		cfg.ConsumerURL = "http://" + cfg.BindAddr + "/editor"
	}

	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
