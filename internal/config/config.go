// Package config loads the tracking milter configuration from an optional YAML file
// and TRACKING_MILTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/d--j/tracking-milter/internal/rewrite"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSocket   = "inet:12085@127.0.0.1"
	DefaultCampaign = rewrite.DefaultCampaign
	DefaultTimeout  = 240 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Socket            string        `yaml:"socket"`
	TrackedRecipients []string      `yaml:"tracked_recipients"`
	TrackingURL       string        `yaml:"tracking_url"`
	Campaign          string        `yaml:"campaign"`
	ScratchDir        string        `yaml:"scratch_dir"`
	Timeout           time.Duration `yaml:"timeout"`
	RecipientGate     bool          `yaml:"recipient_gate"`
	Log               LogConfig     `yaml:"log"`
	// Metrics is the listen address of the Prometheus HTTP endpoint. Empty disables it.
	Metrics string `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads the YAML file at path on top of the defaults
// and then applies the environment variables.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Socket = DefaultSocket
	c.Campaign = DefaultCampaign
	c.Timeout = DefaultTimeout
	c.Log.Level = "info"
}

// applyEnvVars overrides fields with non-empty environment variables.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("TRACKING_MILTER_SOCKET"); v != "" {
		c.Socket = v
	}
	if v := os.Getenv("TRACKING_MILTER_RECIPIENTS"); v != "" {
		c.TrackedRecipients = SplitList(v)
	}
	if v := os.Getenv("TRACKING_MILTER_URL"); v != "" {
		c.TrackingURL = v
	}
	if v := os.Getenv("TRACKING_MILTER_CAMPAIGN"); v != "" {
		c.Campaign = v
	}
	if v := os.Getenv("TRACKING_MILTER_SCRATCH_DIR"); v != "" {
		c.ScratchDir = v
	}
	if v := os.Getenv("TRACKING_MILTER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRACKING_MILTER_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("TRACKING_MILTER_RECIPIENT_GATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACKING_MILTER_RECIPIENT_GATE: %w", err)
		}
		c.RecipientGate = b
	}
	if v := os.Getenv("TRACKING_MILTER_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TRACKING_MILTER_METRICS"); v != "" {
		c.Metrics = v
	}
	return nil
}

// SplitList splits a comma separated list and drops empty entries.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that c can be used to start the milter.
func (c *Config) Validate() error {
	if c.TrackingURL == "" {
		return errors.New("tracking_url is required")
	}
	u, err := url.Parse(c.TrackingURL)
	if err != nil {
		return fmt.Errorf("tracking_url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("tracking_url %q is not an absolute URL", c.TrackingURL)
	}
	if _, _, err := ParseSocket(c.Socket); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// ParseSocket converts a socket specification to the network and address for [net.Listen].
//
// Accepted forms are inet:PORT@HOST, inet6:PORT@HOST, unix:/path, local:/path,
// tcp://HOST:PORT, tcp4://HOST:PORT, tcp6://HOST:PORT, unix:///path and HOST:PORT.
func ParseSocket(spec string) (network, address string, err error) {
	switch {
	case spec == "":
		return "", "", errors.New("empty socket specification")
	case strings.HasPrefix(spec, "inet:"), strings.HasPrefix(spec, "inet6:"):
		kind, rest, _ := strings.Cut(spec, ":")
		port, host, found := strings.Cut(rest, "@")
		if !found {
			host = ""
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return "", "", fmt.Errorf("invalid port in socket %q", spec)
		}
		network = "tcp4"
		if kind == "inet6" {
			network = "tcp6"
		}
		return network, net.JoinHostPort(strings.Trim(host, "[]"), port), nil
	case strings.HasPrefix(spec, "unix:"), strings.HasPrefix(spec, "local:"):
		_, path, _ := strings.Cut(spec, ":")
		path = strings.TrimPrefix(path, "//")
		if path == "" {
			return "", "", fmt.Errorf("missing path in socket %q", spec)
		}
		return "unix", path, nil
	case strings.Contains(spec, "://"):
		u, err := url.Parse(spec)
		if err != nil {
			return "", "", fmt.Errorf("invalid socket %q: %w", spec, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6":
			if u.Port() == "" {
				return "", "", fmt.Errorf("missing port in socket %q", spec)
			}
			return u.Scheme, u.Host, nil
		}
		return "", "", fmt.Errorf("unsupported socket scheme %q", u.Scheme)
	default:
		if _, port, err := net.SplitHostPort(spec); err != nil || port == "" {
			return "", "", fmt.Errorf("invalid socket %q", spec)
		}
		return "tcp", spec, nil
	}
}
