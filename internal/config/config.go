// Package config loads the daemon's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written in Go duration syntax ("10s", "1m30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the daemon configuration.
// Zero values select the library defaults.
type Config struct {
	// Listen is the UDP address of the listener.
	Listen string `yaml:"listen"`
	// Admin is the TCP address of the admin API. Empty disables it.
	Admin    string `yaml:"admin"`
	LogLevel string `yaml:"log_level"`

	MaxConnections   int      `yaml:"max_connections"`
	Password         string   `yaml:"password"`
	Timeout          Duration `yaml:"timeout"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	PingInterval     Duration `yaml:"ping_interval"`

	Security struct {
		Enabled bool `yaml:"enabled"`
		// KeyFile holds the listener's PEM key. Generated on first start if missing.
		KeyFile string `yaml:"key_file"`
		KeyBits int    `yaml:"key_bits"`
	} `yaml:"security"`

	// BanList is the path of the bbolt file bans persist in. Empty keeps bans in memory.
	BanList string `yaml:"ban_list"`

	Admission struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	} `yaml:"admission"`

	Strikes struct {
		Max    int      `yaml:"max"`
		Window Duration `yaml:"window"`
		Ban    Duration `yaml:"ban"`
	} `yaml:"strikes"`

	// Echo sends every application message back to its sender.
	Echo bool `yaml:"echo"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   "0.0.0.0:19132",
		Admin:    "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// Load reads the file at path over Default.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes b over Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot be used.
// Returns all issues found.
func (c *Config) Validate() []error {
	var errs []error
	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.Admin != "" {
		if _, err := netip.ParseAddrPort(c.Admin); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections must not be negative"))
	}
	for name, d := range map[string]Duration{
		"timeout":           c.Timeout,
		"handshake_timeout": c.HandshakeTimeout,
		"ping_interval":     c.PingInterval,
		"strikes.window":    c.Strikes.Window,
		"strikes.ban":       c.Strikes.Ban,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Security.KeyBits != 0 && c.Security.KeyBits < 1024 {
		errs = append(errs, errors.New("security.key_bits must be at least 1024"))
	}
	if c.Admission.Rate < 0 || c.Admission.Burst < 0 {
		errs = append(errs, errors.New("admission rate and burst must not be negative"))
	}
	return errs
}

// Level returns the parsed log level. Only meaningful on a validated Config.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
