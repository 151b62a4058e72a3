package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models civicforge.yml. Every field can be overridden from the
// environment with the CIVICFORGE_ prefix.
type Config struct {
	Quests struct {
		RequireAttestation bool          `yaml:"require_attestation" env:"REQUIRE_ATTESTATION"`
		MaxExperience      int           `yaml:"max_experience" env:"MAX_EXPERIENCE"`
		MaxReputation      int           `yaml:"max_reputation" env:"MAX_REPUTATION"`
		DefaultTTL         time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	} `yaml:"quests"`
	Users struct {
		InitialQuestPoints int `yaml:"initial_quest_points" env:"INITIAL_QUEST_POINTS"`
	} `yaml:"users"`
	Rewards struct {
		MaxRetryAttempts int           `yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
		LeaseDuration    time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
		BatchSize        int           `yaml:"batch_size" env:"REPROCESS_BATCH_SIZE"`
		Concurrency      int           `yaml:"concurrency" env:"REPROCESS_CONCURRENCY"`
		Interval         time.Duration `yaml:"interval" env:"REPROCESS_INTERVAL"`
		WorkerID         string        `yaml:"worker_id" env:"WORKER_ID"`
	} `yaml:"rewards"`
	Idempotency struct {
		TTL       time.Duration `yaml:"ttl" env:"IDEMPOTENCY_TTL"`
		CacheSize int           `yaml:"cache_size" env:"IDEMPOTENCY_CACHE_SIZE"`
	} `yaml:"idempotency"`
	RateLimit struct {
		Requests int           `yaml:"requests" env:"RATE_LIMIT_REQUESTS"`
		Window   time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
	} `yaml:"rate_limit"`
	Server struct {
		Addr             string `yaml:"addr" env:"ADDR"`
		BasePath         string `yaml:"base_path" env:"BASE_PATH"`
		JWTSecret        string `yaml:"jwt_secret" env:"JWT_SECRET"`
		AllowActorHeader bool   `yaml:"allow_actor_header" env:"ALLOW_ACTOR_HEADER"`
	} `yaml:"server"`
	Telemetry struct {
		LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
		LogFormat    string `yaml:"log_format" env:"LOG_FORMAT"`
		OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
		ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	} `yaml:"telemetry"`
}

const envPrefix = "CIVICFORGE_"

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Quests.MaxExperience <= 0 {
		return fmt.Errorf("config.quests.max_experience must be positive")
	}
	if c.Quests.MaxReputation <= 0 {
		return fmt.Errorf("config.quests.max_reputation must be positive")
	}
	if c.Quests.DefaultTTL < 0 {
		return fmt.Errorf("config.quests.default_ttl must not be negative")
	}
	if c.Users.InitialQuestPoints < 0 {
		return fmt.Errorf("config.users.initial_quest_points must not be negative")
	}
	if c.Rewards.MaxRetryAttempts <= 0 {
		return fmt.Errorf("config.rewards.max_retry_attempts must be positive")
	}
	if c.Rewards.LeaseDuration <= 0 {
		return fmt.Errorf("config.rewards.lease_duration must be positive")
	}
	if c.Rewards.BatchSize <= 0 {
		return fmt.Errorf("config.rewards.batch_size must be positive")
	}
	if c.Rewards.Concurrency <= 0 {
		return fmt.Errorf("config.rewards.concurrency must be positive")
	}
	if c.Rewards.Interval <= 0 {
		return fmt.Errorf("config.rewards.interval must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("config.idempotency.ttl must be positive")
	}
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("config.rate_limit.requests must not be negative")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("config.rate_limit.window must be positive when requests is set")
	}
	switch c.Telemetry.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.telemetry.log_format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicforge.yml")
}

// Load reads the workspace config, falling back to defaults when the file
// is absent, then applies the environment overlay.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := applyEnv(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
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

// FromYAML parses raw YAML on top of the defaults, applies the environment
// overlay and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
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

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

const defaultTemplate = `quests:
  require_attestation: true
  max_experience: 1000
  max_reputation: 100
  default_ttl: 0s

users:
  initial_quest_points: 3

rewards:
  max_retry_attempts: 5
  lease_duration: 5m
  batch_size: 25
  concurrency: 4
  interval: 5m
  worker_id: ""

idempotency:
  ttl: 24h
  cache_size: 1024

rate_limit:
  requests: 60
  window: 1m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  allow_actor_header: false

telemetry:
  log_level: info
  log_format: text
  otel_endpoint: ""
  service_name: civicforge
`
