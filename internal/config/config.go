// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port       string
	CampaignID string
	DBPath     string

	Browser BrowserConfig
	Stores  StoreConfig
	Send    SendConfig

	// SelectorsPath optionally points at a YAML overlay for the web-client
	// selector profile, for when the client ships a new DOM.
	SelectorsPath string

	// LinkTimeout bounds the wait for the human to pair the device.
	LinkTimeout time.Duration
	// UnreadInterval is the unread-monitor poll period; 0 disables the
	// monitor.
	UnreadInterval time.Duration
	// MonitorDebugURL points the unread monitor at its own, independently
	// linked browser. Empty disables the monitor regardless of interval.
	MonitorDebugURL string
}

// BrowserConfig selects how the automation surface is obtained.
type BrowserConfig struct {
	// DebugURL, when set, attaches to an externally managed browser and
	// Image is ignored.
	DebugURL string
	Image    string
	// ProfileDir is where linked-profile metadata lives locally.
	ProfileDir string
}

// StoreConfig holds the base URLs of the remote collaborators. Each defaults
// to BaseURL so a single gateway deployment needs one variable.
type StoreConfig struct {
	BaseURL      string
	Credentials  string
	Assignments  string
	Backups      string
	Media        string
	CRM          string
	Interactions string
}

// SendConfig tunes the bulk-send pipeline.
type SendConfig struct {
	InterMessageDelay time.Duration
	ReplyWait         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	base := getEnv("STORE_BASE_URL", "")

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		CampaignID: getEnv("CAMPAIGN_ID", ""),
		DBPath:     getEnv("DB_PATH", "./data/campaigner.db"),
		Browser: BrowserConfig{
			DebugURL:   getEnv("BROWSER_DEBUG_URL", ""),
			Image:      getEnv("BROWSER_IMAGE", "zenika/alpine-chrome:124"),
			ProfileDir: getEnv("PROFILE_DIR", "./data/profiles"),
		},
		Stores: StoreConfig{
			BaseURL:      base,
			Credentials:  getEnv("CREDENTIAL_STORE_URL", base),
			Assignments:  getEnv("ASSIGNMENT_STORE_URL", base),
			Backups:      getEnv("BACKUP_STORE_URL", base),
			Media:        getEnv("MEDIA_STORE_URL", base),
			CRM:          getEnv("CRM_URL", base),
			Interactions: getEnv("INTERACTIONS_URL", base),
		},
		Send: SendConfig{
			InterMessageDelay: getEnvDuration("INTER_MESSAGE_DELAY", 12*time.Second),
			ReplyWait:         getEnvDuration("REPLY_WAIT", 0),
		},
		SelectorsPath:   getEnv("SELECTORS_PATH", ""),
		LinkTimeout:     getEnvDuration("LINK_TIMEOUT", 3*time.Minute),
		UnreadInterval:  getEnvDuration("UNREAD_INTERVAL", 5*time.Second),
		MonitorDebugURL: getEnv("MONITOR_DEBUG_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.CampaignID == "" {
		return fmt.Errorf("CAMPAIGN_ID cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	for name, url := range map[string]string{
		"CREDENTIAL_STORE_URL": c.Stores.Credentials,
		"ASSIGNMENT_STORE_URL": c.Stores.Assignments,
		"BACKUP_STORE_URL":     c.Stores.Backups,
		"MEDIA_STORE_URL":      c.Stores.Media,
		"CRM_URL":              c.Stores.CRM,
		"INTERACTIONS_URL":     c.Stores.Interactions,
	} {
		if url == "" {
			return fmt.Errorf("%s cannot be empty (set it or STORE_BASE_URL)", name)
		}
	}
	if c.Browser.DebugURL == "" && c.Browser.Image == "" {
		return fmt.Errorf("either BROWSER_DEBUG_URL or BROWSER_IMAGE must be set")
	}
	if c.Send.InterMessageDelay < 0 {
		return fmt.Errorf("INTER_MESSAGE_DELAY must be >= 0")
	}
	if c.LinkTimeout <= 0 {
		return fmt.Errorf("LINK_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	// Accept both Go duration strings and bare seconds.
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
