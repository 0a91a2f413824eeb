package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the relayd.toml configuration file. Values that admins
// can change at runtime (verification mode, quiet hours, auto-reply) are only
// defaults here; the settings table overrides them once set.
type Config struct {
	DataDir string `toml:"data_dir"`

	HTTP struct {
		Listen     string `toml:"listen"`
		AdminToken string `toml:"admin_token"`
	} `toml:"http"`

	Channel struct {
		// Operator addresses used for fan-out when the operators table is empty.
		AdminIDs []string `toml:"admin_ids"`
	} `toml:"channel"`

	Verification struct {
		Mode           string `toml:"mode"` // math or button
		TimeoutSeconds int    `toml:"timeout_seconds"`
		MaxFails       int    `toml:"max_fails"`
		BanSeconds     int    `toml:"ban_seconds"`
	} `toml:"verification"`

	QuietHours struct {
		Enabled   bool `toml:"enabled"`
		StartHour int  `toml:"start_hour"`
		EndHour   int  `toml:"end_hour"`
	} `toml:"quiet_hours"`

	AutoReply struct {
		Enabled bool   `toml:"enabled"`
		Message string `toml:"message"`
	} `toml:"auto_reply"`

	Relay struct {
		ResolveWindow  int `toml:"resolve_window"`
		AttemptTimeout int `toml:"attempt_timeout_seconds"`
	} `toml:"relay"`

	RateLimit struct {
		PerSecond float64 `toml:"per_second"`
		Burst     int     `toml:"burst"`
	} `toml:"rate_limit"`

	Retention struct {
		Cron    string `toml:"cron"`
		MaxDays int    `toml:"max_days"` // 0 disables the purge job
	} `toml:"retention"`

	TermsFile string `toml:"terms_file"`
}

// Default returns a config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = defaultDataDir()
	cfg.HTTP.Listen = "127.0.0.1:8091"
	cfg.Verification.Mode = "math"
	cfg.Verification.TimeoutSeconds = 60
	cfg.Verification.MaxFails = 3
	cfg.Verification.BanSeconds = 3600
	cfg.QuietHours.StartHour = 23
	cfg.QuietHours.EndHour = 7
	cfg.AutoReply.Message = "Thanks, your message has been passed on. We'll get back to you shortly."
	cfg.Relay.ResolveWindow = 200
	cfg.Relay.AttemptTimeout = 10
	cfg.RateLimit.PerSecond = 1
	cfg.RateLimit.Burst = 5
	cfg.Retention.Cron = "0 2 * * *"
	return cfg
}

// Load reads config from the given path on top of the defaults, then applies
// environment overrides. A missing file is not an error; env-only setups are
// supported.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(cfg)
	if cfg.Verification.Mode != "math" && cfg.Verification.Mode != "button" {
		return nil, fmt.Errorf("invalid verification mode %q", cfg.Verification.Mode)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RELAYD_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("RELAYD_ADMIN_TOKEN"); v != "" {
		cfg.HTTP.AdminToken = v
	}
	if v := os.Getenv("RELAYD_ADMIN_IDS"); v != "" {
		var ids []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
		cfg.Channel.AdminIDs = ids
	}
	if v := os.Getenv("RELAYD_VERIFICATION_MODE"); v != "" {
		cfg.Verification.Mode = v
	}
	if v, err := strconv.Atoi(os.Getenv("RELAYD_VERIFICATION_TIMEOUT")); err == nil && v > 0 {
		cfg.Verification.TimeoutSeconds = v
	}
	if v, err := strconv.Atoi(os.Getenv("RELAYD_MAX_FAILS")); err == nil && v > 0 {
		cfg.Verification.MaxFails = v
	}
	if v, err := strconv.Atoi(os.Getenv("RELAYD_BAN_SECONDS")); err == nil && v > 0 {
		cfg.Verification.BanSeconds = v
	}
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relayd")
}

// DBPath returns the relayd-owned sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relayd.db")
}

// ChannelDBPath returns the channel session database path.
func (c *Config) ChannelDBPath() string {
	return filepath.Join(c.DataDir, "channel.db")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "relayd.log")
}

// QRPath returns where the pairing QR code image is written.
func (c *Config) QRPath() string {
	return filepath.Join(c.DataDir, "pair-qr.png")
}

// EnsureDataDir creates the data directory tree with owner-only permissions.
func (c *Config) EnsureDataDir() error {
	for _, d := range []string{c.DataDir, filepath.Join(c.DataDir, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
