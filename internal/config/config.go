// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

// Config holds every tunable the service reads at startup. Values come from
// COOKBOOK_* environment variables, typically via a .env file in development.
type Config struct {
	ListenAddr string `envconfig:"COOKBOOK_LISTEN_ADDR" default:":8080"`

	// Session lifecycle knobs. These are defaults observed in production,
	// not hard requirements.
	SessionTTL        time.Duration `envconfig:"COOKBOOK_SESSION_TTL" default:"600s"`
	SecondFactorWait  time.Duration `envconfig:"COOKBOOK_SECOND_FACTOR_WAIT" default:"90s"`
	MaxSessions       int           `envconfig:"COOKBOOK_MAX_SESSIONS" default:"10"`
	CleanupInterval   time.Duration `envconfig:"COOKBOOK_CLEANUP_INTERVAL" default:"30s"`
	RemovalGrace      time.Duration `envconfig:"COOKBOOK_REMOVAL_GRACE" default:"60s"`
	AutomationWorkers int           `envconfig:"COOKBOOK_AUTOMATION_WORKERS" default:"4"`

	// Browser automation.
	Headless         bool          `envconfig:"COOKBOOK_HEADLESS" default:"true"`
	OperationTimeout time.Duration `envconfig:"COOKBOOK_OPERATION_TIMEOUT" default:"30s"`

	// Target site. The login page, the image library admin page, and the
	// public base under which uploaded images become reachable.
	LoginURL        string `envconfig:"COOKBOOK_LOGIN_URL" default:"https://secure2.convio.net/dfci/admin/AdminLogin"`
	ImageLibraryURL string `envconfig:"COOKBOOK_IMAGE_LIBRARY_URL" default:"https://secure2.convio.net/dfci/admin/ImageLibrary"`
	ImageBaseURL    string `envconfig:"COOKBOOK_IMAGE_BASE_URL" default:"https://danafarber.jimmyfund.org/images/content/pagebuilder/"`
	SiteBaseURL     string `envconfig:"COOKBOOK_SITE_BASE_URL" default:"https://danafarber.jimmyfund.org"`

	// Auth state persistence (saved storage state per account).
	AuthStateDir string        `envconfig:"COOKBOOK_AUTH_STATE_DIR" default:"./storage/authstate"`
	AuthStateTTL time.Duration `envconfig:"COOKBOOK_AUTH_STATE_TTL" default:"24h"`

	// Rate limiting for the upload endpoints.
	RateLimitPerHour int `envconfig:"COOKBOOK_RATE_LIMIT_PER_HOUR" default:"100"`
	RateLimitBurst   int `envconfig:"COOKBOOK_RATE_LIMIT_BURST" default:"10"`
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the session manager misbehave.
func (c *Config) Validate() error {
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.AutomationWorkers < 1 {
		return fmt.Errorf("automation workers must be at least 1, got %d", c.AutomationWorkers)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SecondFactorWait <= 0 {
		return fmt.Errorf("second factor wait must be positive, got %s", c.SecondFactorWait)
	}
	if c.SecondFactorWait > c.SessionTTL {
		return fmt.Errorf("second factor wait (%s) cannot exceed session TTL (%s)", c.SecondFactorWait, c.SessionTTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	return nil
}
