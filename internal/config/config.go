// Package config loads server configuration from an optional YAML file
// with environment overrides. Environment wins over file, file wins
// over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr           = ":8080"
	DefaultMaxDepth           = 25
	DefaultFanout             = 8
	DefaultConsistencyTimeout = 3 * time.Second
)

type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	DatabaseURL   string `yaml:"database_url"`
	AllowlistPath string `yaml:"allowlist_path"`
	Authz         Authz  `yaml:"authz"`
	Engine        Engine `yaml:"engine"`
}

type Authz struct {
	ModelPath  string `yaml:"model_path"`
	PolicyPath string `yaml:"policy_path"`
}

type Engine struct {
	MaxDepth           int      `yaml:"max_depth"`
	Fanout             int      `yaml:"fanout"`
	ConsistencyTimeout Duration `yaml:"consistency_timeout"`
}

// Duration parses YAML scalars like "3s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func Default() Config {
	return Config{
		HTTPAddr: DefaultHTTPAddr,
		Engine: Engine{
			MaxDepth:           DefaultMaxDepth,
			Fanout:             DefaultFanout,
			ConsistencyTimeout: Duration(DefaultConsistencyTimeout),
		},
	}
}

// Load reads the file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ALLOWLIST_PATH"); v != "" {
		cfg.AllowlistPath = v
	}
	if v := os.Getenv("AUTHZ_MODEL_PATH"); v != "" {
		cfg.Authz.ModelPath = v
	}
	if v := os.Getenv("AUTHZ_POLICY_PATH"); v != "" {
		cfg.Authz.PolicyPath = v
	}
}

func (c Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr is required")
	}
	if c.Engine.MaxDepth <= 0 {
		return errors.New("config: engine.max_depth must be positive")
	}
	if c.Engine.Fanout <= 0 {
		return errors.New("config: engine.fanout must be positive")
	}
	if c.Engine.ConsistencyTimeout <= 0 {
		return errors.New("config: engine.consistency_timeout must be positive")
	}
	return nil
}
