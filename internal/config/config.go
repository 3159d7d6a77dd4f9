package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/reconnect"
)

// Duration is a time.Duration written in TOML as a string such as "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	// Hub base URL the hosts connect to (e.g. "http://192.168.1.20:3000").
	HubURL    string          `toml:"hub_url"`
	Hub       HubConfig       `toml:"hub"`
	Device    DeviceConfig    `toml:"device"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Log       LogConfig       `toml:"log"`
}

// HubConfig configures `wr hub`.
type HubConfig struct {
	// HTTP listen address (e.g. ":3000").
	Listen string `toml:"listen"`
	// Record registrations, deliveries and drops in hub.db.
	Activity          bool     `toml:"activity"`
	ActivityRetention Duration `toml:"activity_retention"`
	// Inbound events per second per connection; 0 disables the limit.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// DeviceConfig configures `wr device` and `wr bridge`.
type DeviceConfig struct {
	// Local socket shared by the device host and the bridge.
	SocketPath string `toml:"socket_path"`
	// Only locators starting with this prefix are opened.
	URLPrefix string `toml:"url_prefix"`
	// Command line used to open locators; empty means the platform opener.
	OpenCommand string `toml:"open_command,omitempty"`
	// "attach" or "dial".
	Downlink      string   `toml:"downlink"`
	DownlinkRetry Duration `toml:"downlink_retry"`
}

// ReconnectConfig is the hub link policy shared by both hosts.
type ReconnectConfig struct {
	MinDelay       Duration `toml:"min_delay"`
	MaxDelay       Duration `toml:"max_delay"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultDataDir returns WATCHRELAY_DIR or ~/.watchrelay.
func DefaultDataDir() string {
	if dir := os.Getenv("WATCHRELAY_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".watchrelay"
	}
	return filepath.Join(home, ".watchrelay")
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	p := reconnect.DefaultPolicy()
	return &Config{
		HubURL: "http://localhost:3000",
		Hub: HubConfig{
			Listen:            ":3000",
			Activity:          true,
			ActivityRetention: Duration{7 * 24 * time.Hour},
			RateLimit:         20,
			RateBurst:         40,
		},
		Device: DeviceConfig{
			SocketPath:    filepath.Join(dataDir, "wr.sock"),
			URLPrefix:     "https://www.netflix.com/watch/",
			Downlink:      "attach",
			DownlinkRetry: Duration{2 * time.Second},
		},
		Reconnect: ReconnectConfig{
			MinDelay:       Duration{p.MinDelay},
			MaxDelay:       Duration{p.MaxDelay},
			ConnectTimeout: Duration{p.ConnectTimeout},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads config.toml from dataDir over the defaults, applies
// environment variable overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Default(dataDir)

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WATCHRELAY_HUB_URL"); v != "" {
		c.HubURL = v
	}
	if v := os.Getenv("WATCHRELAY_LISTEN"); v != "" {
		c.Hub.Listen = v
	}
	if v := os.Getenv("WATCHRELAY_SOCKET"); v != "" {
		c.Device.SocketPath = v
	}
	if v := os.Getenv("WATCHRELAY_URL_PREFIX"); v != "" {
		c.Device.URLPrefix = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate rejects values the processes cannot run with.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub_url must not be empty")
	}
	if !strings.Contains(c.HubURL, "://") {
		return fmt.Errorf("hub_url must include a scheme, got %q", c.HubURL)
	}
	if c.Hub.RateLimit < 0 || c.Hub.RateBurst < 0 {
		return fmt.Errorf("hub.rate_limit and hub.rate_burst must not be negative")
	}
	if c.Hub.ActivityRetention.Duration < 0 {
		return fmt.Errorf("hub.activity_retention must not be negative")
	}
	if c.Device.SocketPath == "" {
		return fmt.Errorf("device.socket_path must not be empty")
	}
	switch c.Device.Downlink {
	case "attach", "dial":
	default:
		return fmt.Errorf("device.downlink must be \"attach\" or \"dial\", got %q", c.Device.Downlink)
	}
	if c.Device.DownlinkRetry.Duration <= 0 {
		return fmt.Errorf("device.downlink_retry must be positive")
	}
	r := c.Reconnect
	if r.MinDelay.Duration <= 0 || r.MaxDelay.Duration < r.MinDelay.Duration {
		return fmt.Errorf("reconnect delays must satisfy 0 < min_delay <= max_delay")
	}
	if r.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("reconnect.connect_timeout must not be negative")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// ReconnectPolicy returns the hub link policy: infinite attempts with jitter.
func (c *Config) ReconnectPolicy() reconnect.Policy {
	p := reconnect.DefaultPolicy()
	p.MinDelay = c.Reconnect.MinDelay.Duration
	p.MaxDelay = c.Reconnect.MaxDelay.Duration
	p.ConnectTimeout = c.Reconnect.ConnectTimeout.Duration
	return p
}

// Save writes the Config to config.toml inside dataDir, creating the
// directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}
