package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models injectline.yml.
type Config struct {
	Scheduler struct {
		TickInterval            time.Duration `yaml:"tick_interval" json:"tick_interval"`
		Parallelism             int           `yaml:"parallelism" json:"parallelism"`
		SpeedMultiplier         float64       `yaml:"speed_multiplier" json:"speed_multiplier"`
		PendingThresholdMinutes int           `yaml:"pending_threshold_minutes" json:"pending_threshold_minutes"`
	} `yaml:"scheduler" json:"scheduler"`
	Expectations struct {
		DefaultExpirationSeconds int64 `yaml:"default_expiration_seconds" json:"default_expiration_seconds"`
	} `yaml:"expectations" json:"expectations"`
	Notifications struct {
		SimulationCompletedDelaySeconds int64           `yaml:"simulation_completed_delay_seconds" json:"simulation_completed_delay_seconds"`
		Webhooks                        []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	} `yaml:"notifications" json:"notifications"`
	Executors struct {
		Command struct {
			Allow          []string `yaml:"allow" json:"allow"`
			TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
		} `yaml:"command" json:"command"`
	} `yaml:"executors" json:"executors"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// PendingThreshold is how long an inject may stay PENDING before it is flagged.
func (c *Config) PendingThreshold() time.Duration {
	return time.Duration(c.Scheduler.PendingThresholdMinutes) * time.Minute
}

func (c *Config) SimulationCompletedDelay() time.Duration {
	return time.Duration(c.Notifications.SimulationCompletedDelaySeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.Parallelism < 1 {
		return fmt.Errorf("scheduler.parallelism must be at least 1")
	}
	if c.Scheduler.SpeedMultiplier < 1 {
		return fmt.Errorf("scheduler.speed_multiplier must be >= 1")
	}
	if c.Scheduler.PendingThresholdMinutes < 1 {
		return fmt.Errorf("scheduler.pending_threshold_minutes must be at least 1")
	}
	if c.Expectations.DefaultExpirationSeconds < 0 {
		return fmt.Errorf("expectations.default_expiration_seconds must not be negative")
	}
	if c.Notifications.SimulationCompletedDelaySeconds < 0 {
		return fmt.Errorf("notifications.simulation_completed_delay_seconds must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}
	for _, cmd := range c.Executors.Command.Allow {
		if cmd == "" {
			return fmt.Errorf("executors.command.allow contains an empty command")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "injectline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with il config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `scheduler:
  tick_interval: 60s
  parallelism: 8
  speed_multiplier: 1
  pending_threshold_minutes: 10

expectations:
  default_expiration_seconds: 21600

notifications:
  simulation_completed_delay_seconds: 3600
  webhooks: []

executors:
  command:
    allow: [echo, whoami, hostname]
    timeout_seconds: 30
`
