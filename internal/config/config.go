// Package config loads the gateway configuration from YAML and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/auth/google"
	"github.com/pysugar/nexus-scheduler/internal/quota"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// Config is the full file layout.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Background BackgroundConfig `yaml:"background"`
}

type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	AdminPassword string `yaml:"admin_password"`
}

type DatabaseConfig struct {
	Path    string `yaml:"path"`
	Verbose bool   `yaml:"verbose"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// SchedulingConfig is the hot-reloadable section.
type SchedulingConfig struct {
	Mode                    string        `yaml:"mode"`
	RefreshMargin           time.Duration `yaml:"refresh_margin"`
	LockWindow              time.Duration `yaml:"lock_window"`
	BalanceShortHorizonLock bool          `yaml:"balance_short_horizon_lock"`
	StrictPinning           bool          `yaml:"strict_pinning"`
	PreferredAccountID      string        `yaml:"preferred_account_id"`
	FailureThreshold        int           `yaml:"failure_threshold"`
	QuotaProtection         quota.Config  `yaml:"quota_protection"`
}

type BackgroundConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	// QuotaPollInterval of zero disables quota polling.
	QuotaPollInterval time.Duration `yaml:"quota_poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sched := scheduler.DefaultConfig()
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: "8080"},
		Database: DatabaseConfig{Path: "nexus.db"},
		Log:      LogConfig{Level: "info"},
		Scheduling: SchedulingConfig{
			Mode:             string(sched.Mode),
			RefreshMargin:    sched.RefreshMargin,
			LockWindow:       sched.LockWindow,
			FailureThreshold: sched.FailureThreshold,
			QuotaProtection:  sched.Quota,
		},
		Background: BackgroundConfig{
			RefreshInterval:   15 * time.Minute,
			SweepInterval:     time.Minute,
			QuotaPollInterval: 10 * time.Minute,
		},
	}
}

// Load reads the config file (explicit path, NEXUS_CONFIG, or the first
// well-known location that exists), applies environment overrides and
// validates the result. A missing file is not an error. It returns the path
// that was read, or "" when running on defaults.
func Load(explicit string) (*Config, string, error) {
	cfg := Default()
	path, err := ResolvePath(explicit)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, "", err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", displayPath(path), err)
	}
	return cfg, path, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

// ResolvePath returns the config file to read, or "" if none exists.
func ResolvePath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("NEXUS_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/nexus.yaml",
		"./nexus.yaml",
		"/etc/nexus/nexus.yaml",
		"/opt/homebrew/etc/nexus/nexus.yaml",
		"/usr/local/etc/nexus/nexus.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "nexus", "nexus.yaml"),
			filepath.Join(homeDir, ".nexus", "nexus.yaml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		c.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Port = v
	} else if os.Getenv("NEXUS_MODE") == "release" && c.Server.Port == "8080" {
		c.Server.Port = "8086"
	}
	if v := os.Getenv("NEXUS_ADMIN_PASSWORD"); v != "" {
		c.Server.AdminPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_DB_PATH")); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_SCHEDULING_MODE")); v != "" {
		c.Scheduling.Mode = v
	}
}

// Validate checks values that cannot be defaulted silently.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := scheduler.ParseMode(c.Scheduling.Mode); err != nil {
		errs = append(errs, fmt.Errorf("scheduling.mode: %w", err))
	}
	if c.Scheduling.RefreshMargin < 0 || c.Scheduling.LockWindow < 0 {
		errs = append(errs, errors.New("scheduling durations must not be negative"))
	}
	if p := c.Scheduling.QuotaProtection.ThresholdPercentage; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("scheduling.quota_protection.threshold_percentage %d out of range 0-100", p))
	}
	if c.Background.RefreshInterval <= 0 || c.Background.SweepInterval <= 0 {
		errs = append(errs, errors.New("background refresh and sweep intervals must be positive"))
	}
	return errors.Join(errs...)
}

// Scheduler converts the scheduling section.
func (s SchedulingConfig) Scheduler() (scheduler.Config, error) {
	mode, err := scheduler.ParseMode(s.Mode)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Mode:                    mode,
		RefreshMargin:           s.RefreshMargin,
		LockWindow:              s.LockWindow,
		BalanceShortHorizonLock: s.BalanceShortHorizonLock,
		StrictPinning:           s.StrictPinning,
		PreferredAccountID:      s.PreferredAccountID,
		FailureThreshold:        s.FailureThreshold,
		Quota:                   s.QuotaProtection,
	}, nil
}

// Credentials returns the OAuth client used for token refresh.
func (o OAuthConfig) Credentials() google.Credentials {
	return google.Credentials{ClientID: o.ClientID, ClientSecret: o.ClientSecret, TokenURL: o.TokenURL}
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
