// Package config loads the herdd daemon configuration.
//
// Config is stored at $XDG_CONFIG_HOME/herd/config.yaml (defaults to
// ~/.config/herd/config.yaml); every field has a workable default so a
// bare `herdd run --node <name>` starts a single-node cluster.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultScope      = "default"
	DefaultGossipPort = 7946
	DefaultPeerPort   = 7947
	DefaultHTTPAddr   = "127.0.0.1:7948"
)

// Gossip configures the memberlist layer.
type Gossip struct {
	BindAddr string   `yaml:"bind-addr,omitempty"`
	BindPort int      `yaml:"bind-port,omitempty"`
	Seeds    []string `yaml:"seeds,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	Node     string   `yaml:"node"`
	DataDir  string   `yaml:"data-dir,omitempty"`
	LogLevel string   `yaml:"log-level,omitempty"`
	Scopes   []string `yaml:"scopes,omitempty"`
	Gossip   Gossip   `yaml:"gossip,omitempty"`
	PeerAddr string   `yaml:"peer-addr,omitempty"` // peer transport listen address
	HTTPAddr string   `yaml:"http-addr,omitempty"`
	NTPCheck bool     `yaml:"ntp-check,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/herd/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "herd", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "herd", "config.yaml")
}

// DefaultDataDir is where the peer cache lives unless configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "herd")
	}
	return filepath.Join(home, ".local", "share", "herd")
}

// Load reads the config at path (Path() when empty) and applies
// defaults. A missing file is not an error: the zero config plus
// defaults is a valid single-node setup once Node is set.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{DefaultScope}
	}
	if c.Gossip.BindPort == 0 {
		c.Gossip.BindPort = DefaultGossipPort
	}
	if c.PeerAddr == "" {
		c.PeerAddr = fmt.Sprintf(":%d", DefaultPeerPort)
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
}

// Validate rejects configs the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Node == "" {
		return fmt.Errorf("node is required")
	}
	for _, s := range c.Scopes {
		if s == "" {
			return fmt.Errorf("scope names must not be empty")
		}
	}
	return nil
}
