// Package config loads and validates the monitor configuration from a JSON
// or YAML file, with env and flag overrides applied by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Defaults matching the hosted service.
const (
	DefaultCheckURL   = "https://icity.ly/friends"
	DefaultBaseURL    = "https://icity.ly"
	DefaultTimezone   = "Asia/Shanghai"
	DefaultQuietStart = "00:00"
	DefaultQuietEnd   = "09:00"

	DefaultIntervalMinutes      = 30
	DefaultTimeoutSeconds       = 15
	DefaultMaxNotify            = 8
	DefaultAlertCooldownMinutes = 60
)

// Config is the validated configuration handed to the monitor.
type Config struct {
	CheckURL             string    `json:"check_url" yaml:"check_url"`
	BaseURL              string    `json:"base_url" yaml:"base_url"`
	CookieFile           string    `json:"cookie_file" yaml:"cookie_file"`
	StateFile            string    `json:"state_file" yaml:"state_file"`
	StateBucket          string    `json:"state_bucket" yaml:"state_bucket"`
	TimeoutSeconds       int       `json:"timeout" yaml:"timeout"`
	MaxNotify            int       `json:"max_notify" yaml:"max_notify"`
	AlertCooldownMinutes int       `json:"alert_cooldown_minutes" yaml:"alert_cooldown_minutes"`
	TrackNameChanges     bool      `json:"track_name_changes" yaml:"track_name_changes"`
	Schedule             Schedule  `json:"schedule" yaml:"schedule"`
	Channels             []Channel `json:"channels" yaml:"channels"`
}

// Schedule configures loop mode.
type Schedule struct {
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	IntervalMinutes int        `json:"interval_minutes" yaml:"interval_minutes"`
	Timezone        string     `json:"timezone" yaml:"timezone"`
	QuietHours      QuietHours `json:"quiet_hours" yaml:"quiet_hours"`
}

// QuietHours is a local-time blackout window; Start == End disables it.
type QuietHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Channel is one notification channel; exactly one must be enabled.
type Channel struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Type    string `json:"type" yaml:"type"`
	Webhook string `json:"webhook" yaml:"webhook"`
}

// Load reads a config file (JSON or YAML by extension) and applies defaults.
// An empty path yields a default config, to be completed by flag overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse YAML config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse JSON config %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CheckURL == "" {
		c.CheckURL = DefaultCheckURL
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.CookieFile == "" {
		c.CookieFile = "cookie.txt"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxNotify == 0 {
		c.MaxNotify = DefaultMaxNotify
	}
	if c.AlertCooldownMinutes == 0 {
		c.AlertCooldownMinutes = DefaultAlertCooldownMinutes
	}
	if c.Schedule.IntervalMinutes == 0 {
		c.Schedule.IntervalMinutes = DefaultIntervalMinutes
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultTimezone
	}
	if c.Schedule.QuietHours.Start == "" {
		c.Schedule.QuietHours.Start = DefaultQuietStart
	}
	if c.Schedule.QuietHours.End == "" {
		c.Schedule.QuietHours.End = DefaultQuietEnd
	}
}

// Validate checks the configuration before any cycle runs. Errors here are
// fatal at startup.
func (c *Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.TimeoutSeconds)
	}
	if c.MaxNotify <= 0 {
		return fmt.Errorf("max_notify must be positive, got %d", c.MaxNotify)
	}
	if c.AlertCooldownMinutes < 0 {
		return fmt.Errorf("alert_cooldown_minutes must not be negative, got %d", c.AlertCooldownMinutes)
	}
	if c.Schedule.IntervalMinutes <= 0 {
		return fmt.Errorf("schedule.interval_minutes must be positive, got %d", c.Schedule.IntervalMinutes)
	}
	if _, err := ParseClock(c.Schedule.QuietHours.Start); err != nil {
		return fmt.Errorf("schedule.quiet_hours.start: %w", err)
	}
	if _, err := ParseClock(c.Schedule.QuietHours.End); err != nil {
		return fmt.Errorf("schedule.quiet_hours.end: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ActiveChannel(); err != nil {
		return err
	}
	return nil
}

// ActiveChannel returns the single enabled channel. Exactly one channel must
// be enabled; the dispatcher never chooses among several.
func (c *Config) ActiveChannel() (*Channel, error) {
	var active *Channel
	for i := range c.Channels {
		ch := &c.Channels[i]
		if !ch.Enabled {
			continue
		}
		if active != nil {
			return nil, fmt.Errorf("exactly one channel must be enabled, found several")
		}
		active = ch
	}
	if active == nil {
		return nil, fmt.Errorf("no notification channel enabled: set --webhook or enable one entry in channels")
	}

	switch active.Type {
	case "feishu":
		if strings.TrimSpace(active.Webhook) == "" {
			return nil, fmt.Errorf("feishu channel is missing webhook")
		}
	case "mock":
		// development channel, nothing to validate
	case "":
		return nil, fmt.Errorf("enabled channel is missing type")
	default:
		return nil, fmt.Errorf("unsupported channel type: %s", active.Type)
	}
	return active, nil
}

// Location resolves the schedule timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// Interval returns the loop interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Schedule.IntervalMinutes) * time.Minute
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AlertCooldown returns the minimum spacing between repeated alerts.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownMinutes) * time.Minute
}

var clockRegex = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses an HH:MM local-time string into minutes since midnight.
func ParseClock(value string) (int, error) {
	m := clockRegex.FindStringSubmatch(value)
	if m == nil {
		return 0, fmt.Errorf("time must be HH:MM, got %q", value)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(m[1]+":"+m[2], "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("time must be HH:MM, got %q", value)
	}
	if hour > 23 || minute > 59 {
		return 0, fmt.Errorf("time out of range: %q", value)
	}
	return hour*60 + minute, nil
}
