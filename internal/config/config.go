package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ReentrancyQueue  = "queue"
	ReentrancyReject = "reject"

	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Config models forgeline.yml.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Production ProductionConfig `yaml:"production"`
	Cache      CacheConfig      `yaml:"cache"`
	Passport   PassportConfig   `yaml:"passport"`
	Webhooks   []Webhook        `yaml:"webhooks"`
	Log        LogConfig        `yaml:"log"`
}

type EngineConfig struct {
	// SettleDelay is how long a session waits after a confirmed write before re-reading.
	SettleDelay Duration `yaml:"settle_delay"`
	// Reentrancy is queue (wait for the in-flight update) or reject (fail fast).
	Reentrancy string `yaml:"reentrancy"`
	// SessionIdle is how long an untouched session survives before it is abandoned.
	SessionIdle Duration `yaml:"session_idle"`
	MaxSessions int      `yaml:"max_sessions"`
}

type ProductionConfig struct {
	LaborRatePerHour float64         `yaml:"labor_rate_per_hour"`
	CarbonPerKWh     float64         `yaml:"carbon_per_kwh"`
	StartedProgress  int             `yaml:"started_progress"`
	ReadyProgress    int             `yaml:"ready_progress"`
	Stages           []StageTemplate `yaml:"stages"`
}

// StageTemplate is one slot of the default stage batch created when production starts.
type StageTemplate struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	EstimatedHours float64 `yaml:"estimated_hours"`
	EnergyEstimate float64 `yaml:"energy_estimate"`
}

type CacheConfig struct {
	Backend   string   `yaml:"backend"`
	Size      int      `yaml:"size"`
	TTL       Duration `yaml:"ttl"`
	RedisAddr string   `yaml:"redis_addr"`
	RedisDB   int      `yaml:"redis_db"`
}

type PassportConfig struct {
	BaseURL string `yaml:"base_url"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that reads "100ms"-style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.SettleDelay < 0 {
		return fmt.Errorf("config.engine.settle_delay must not be negative")
	}
	if c.Engine.SessionIdle <= 0 {
		return fmt.Errorf("config.engine.session_idle must be positive")
	}
	if c.Engine.MaxSessions <= 0 {
		return fmt.Errorf("config.engine.max_sessions must be positive")
	}
	switch c.Engine.Reentrancy {
	case ReentrancyQueue, ReentrancyReject:
	default:
		return fmt.Errorf("config.engine.reentrancy must be %q or %q", ReentrancyQueue, ReentrancyReject)
	}
	p := c.Production
	if p.LaborRatePerHour < 0 {
		return fmt.Errorf("config.production.labor_rate_per_hour must not be negative")
	}
	if p.CarbonPerKWh < 0 {
		return fmt.Errorf("config.production.carbon_per_kwh must not be negative")
	}
	if p.StartedProgress < 0 || p.StartedProgress >= p.ReadyProgress || p.ReadyProgress >= 100 {
		return fmt.Errorf("config.production progress floors must satisfy 0 <= started_progress < ready_progress < 100")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("config.production.stages is required")
	}
	seen := map[string]bool{}
	for i, st := range p.Stages {
		if st.ID == "" {
			return fmt.Errorf("config.production.stages[%d].id is required", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("config.production.stages has duplicate id %s", st.ID)
		}
		seen[st.ID] = true
		if st.EstimatedHours < 0 || st.EnergyEstimate < 0 {
			return fmt.Errorf("stage %s has negative estimate", st.ID)
		}
	}
	switch c.Cache.Backend {
	case CacheLRU:
		if c.Cache.Size <= 0 {
			return fmt.Errorf("config.cache.size must be positive")
		}
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("config.cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.cache.backend must be %q or %q", CacheLRU, CacheRedis)
	}
	if c.Passport.BaseURL == "" {
		return fmt.Errorf("config.passport.base_url is required")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	stages := cfg.Production.Stages
	cfg.Production.Stages = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Production.Stages == nil {
		cfg.Production.Stages = stages
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  settle_delay: 100ms
  reentrancy: queue
  session_idle: 30m
  max_sessions: 1024

production:
  labor_rate_per_hour: 25
  carbon_per_kwh: 0.5
  started_progress: 10
  ready_progress: 95
  stages:
    - id: planning
      name: Production Planning
      estimated_hours: 8
      energy_estimate: 5
    - id: material_prep
      name: Material Preparation
      estimated_hours: 16
      energy_estimate: 20
    - id: manufacturing
      name: Manufacturing
      estimated_hours: 40
      energy_estimate: 120
    - id: assembly
      name: Assembly
      estimated_hours: 24
      energy_estimate: 40
    - id: quality_control
      name: Quality Control
      estimated_hours: 8
      energy_estimate: 10
    - id: finishing
      name: Finishing
      estimated_hours: 12
      energy_estimate: 15

cache:
  backend: lru
  size: 512
  ttl: 5m

passport:
  base_url: http://localhost:8080

log:
  level: info
  format: console
`
