// Package config handles loading and validating reactor bootstrap
// configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReactorConfig holds the event loop's capacity limits and instance
// identity.
type ReactorConfig struct {
	MaxListeners    int    `yaml:"max_listeners"`
	MaxConnections  int    `yaml:"max_connections"`
	InstanceID      string `yaml:"instance_id"`
	HealthCheckPort int    `yaml:"health_check_port"`
	MetricsPort     int    `yaml:"metrics_port"`
}

// FrontConfig seeds one AddTcpFront command at start-up.
type FrontConfig struct {
	Port  uint16 `yaml:"port"`
	AppID string `yaml:"app_id"`
}

// InstanceConfig seeds one AddInstance command at start-up.
type InstanceConfig struct {
	AppID     string `yaml:"app_id"`
	IPAddress string `yaml:"ip_address"`
	Port      uint16 `yaml:"port"`
}

// ClusterConfig enables the Redis-backed control-plane relay. The zero
// value (Enabled false) runs a standalone instance, which is the
// default and fully conformant.
type ClusterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Name              string        `yaml:"name"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// Config is the root bootstrap configuration structure.
type Config struct {
	Reactor   ReactorConfig    `yaml:"reactor"`
	Fronts    []FrontConfig    `yaml:"fronts"`
	Instances []InstanceConfig `yaml:"instances"`
	Cluster   ClusterConfig    `yaml:"cluster"`
}

// Load reads and parses the bootstrap configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Reactor.MaxConnections < 0 {
		return fmt.Errorf("reactor.max_connections must not be negative")
	}
	for i, f := range c.Fronts {
		if f.Port == 0 {
			return fmt.Errorf("fronts[%d].port is required", i)
		}
		if f.AppID == "" {
			return fmt.Errorf("fronts[%d].app_id is required", i)
		}
	}
	for i, inst := range c.Instances {
		if inst.AppID == "" {
			return fmt.Errorf("instances[%d].app_id is required", i)
		}
		if inst.IPAddress == "" {
			return fmt.Errorf("instances[%d].ip_address is required", i)
		}
		if inst.Port == 0 {
			return fmt.Errorf("instances[%d].port is required", i)
		}
	}
	if c.Cluster.Enabled && c.Cluster.Addr == "" {
		return fmt.Errorf("cluster.addr is required when cluster.enabled is true")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Reactor.MaxListeners == 0 {
		c.Reactor.MaxListeners = 128
	}
	if c.Reactor.MaxConnections == 0 {
		c.Reactor.MaxConnections = 4096
	}
	if c.Reactor.HealthCheckPort == 0 {
		c.Reactor.HealthCheckPort = 8080
	}
	if c.Reactor.MetricsPort == 0 {
		c.Reactor.MetricsPort = 9090
	}
	if c.Reactor.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Reactor.InstanceID = hostname
	}

	if c.Cluster.Enabled {
		if c.Cluster.Name == "" {
			c.Cluster.Name = "default"
		}
		if c.Cluster.PoolSize == 0 {
			c.Cluster.PoolSize = 10
		}
		if c.Cluster.DialTimeout == 0 {
			c.Cluster.DialTimeout = 5 * time.Second
		}
		if c.Cluster.ReadTimeout == 0 {
			c.Cluster.ReadTimeout = 3 * time.Second
		}
		if c.Cluster.WriteTimeout == 0 {
			c.Cluster.WriteTimeout = 3 * time.Second
		}
		if c.Cluster.HeartbeatInterval == 0 {
			c.Cluster.HeartbeatInterval = 10 * time.Second
		}
		if c.Cluster.HeartbeatTTL == 0 {
			c.Cluster.HeartbeatTTL = 30 * time.Second
		}
	}
}
