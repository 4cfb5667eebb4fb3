package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models studyline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Protocol struct {
		// URL of the protocol source serving the assessment document.
		// Empty means the repo-stored document is the only source.
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		CacheTTLMin    int    `yaml:"cache_ttl_min"`
	} `yaml:"protocol"`
	Scheduler struct {
		IntervalMin     int `yaml:"interval_min"`
		InitialDelaySec int `yaml:"initial_delay_sec"`
		Workers         int `yaml:"workers"`
		CacheSize       int `yaml:"cache_size"`
	} `yaml:"scheduler"`
	Delivery struct {
		// WebhookURL receives due messages; empty disables outbound
		// delivery (triggers still fire and mark state locally).
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		DryRun         bool   `yaml:"dry_run"`
	} `yaml:"delivery"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Protocol.TimeoutSeconds < 0 {
		return fmt.Errorf("config.protocol.timeout_seconds must not be negative")
	}
	if c.Scheduler.IntervalMin < 0 {
		return fmt.Errorf("config.scheduler.interval_min must not be negative")
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("config.scheduler.workers must not be negative")
	}
	if c.Scheduler.CacheSize < 0 {
		return fmt.Errorf("config.scheduler.cache_size must not be negative")
	}
	return nil
}

func (c *Config) ProtocolTimeout() time.Duration {
	if c.Protocol.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Protocol.TimeoutSeconds) * time.Second
}

func (c *Config) ProtocolCacheTTL() time.Duration {
	if c.Protocol.CacheTTLMin <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Protocol.CacheTTLMin) * time.Minute
}

func (c *Config) SchedulerInterval() time.Duration {
	if c.Scheduler.IntervalMin <= 0 {
		return time.Hour
	}
	return time.Duration(c.Scheduler.IntervalMin) * time.Minute
}

func (c *Config) SchedulerInitialDelay() time.Duration {
	if c.Scheduler.InitialDelaySec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Scheduler.InitialDelaySec) * time.Second
}

func (c *Config) SchedulerWorkers() int {
	if c.Scheduler.Workers <= 0 {
		return 4
	}
	return c.Scheduler.Workers
}

func (c *Config) SchedulerCacheSize() int {
	if c.Scheduler.CacheSize <= 0 {
		return 512
	}
	return c.Scheduler.CacheSize
}

func (c *Config) DeliveryTimeout() time.Duration {
	if c.Delivery.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Delivery.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl project init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

protocol:
  url: ""
  timeout_seconds: 30
  cache_ttl_min: 15

scheduler:
  interval_min: 60
  initial_delay_sec: 15
  workers: 4
  cache_size: 512

delivery:
  webhook_url: ""
  timeout_seconds: 10
  dry_run: false
`
