// Package config loads the node agent's YAML configuration file,
// grounded on the teacher's internal/cli.Config/loadConfig pair: a
// plain yaml-tagged struct, nested by subsystem, parsed with
// gopkg.in/yaml.v3 and handed defaults before validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node agent's complete configuration.
type Config struct {
	Node struct {
		ID       string `yaml:"id"`
		Hostname string `yaml:"hostname"`
	} `yaml:"node"`

	Coordinator struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"coordinator"`

	Router struct {
		TCPPort    int    `yaml:"tcp_port"`
		SocketPath string `yaml:"socket_path"`
	} `yaml:"router"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Session struct {
		ClientConnectionTimeout time.Duration `yaml:"client_connection_timeout"`
	} `yaml:"session"`

	TempDir string `yaml:"temp_dir"`
}

// defaults mirrors the teacher's approach of filling in zero-value
// fields after unmarshal rather than scattering `if cfg.X == 0` checks
// through the rest of the program.
func (c *Config) defaults() {
	if c.Router.TCPPort == 0 {
		c.Router.TCPPort = 7800
	}
	if c.Router.SocketPath == "" {
		c.Router.SocketPath = "/tmp/compute-node-agent/router.sock"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Coordinator.Timeout == 0 {
		c.Coordinator.Timeout = 10 * time.Second
	}
	if c.Session.ClientConnectionTimeout == 0 {
		c.Session.ClientConnectionTimeout = 5 * time.Minute
	}
	if c.TempDir == "" {
		c.TempDir = "/tmp/compute-node-agent"
	}
}

// validate rejects the handful of fields that have no sane default:
// without a node id or a Coordinator to report to, the agent cannot do
// anything useful.
func (c *Config) validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Coordinator.BaseURL == "" {
		return fmt.Errorf("config: coordinator.base_url is required")
	}
	return nil
}

// Load reads and parses the YAML file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
