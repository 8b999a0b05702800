package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content. ${VAR} references are expanded from the environment.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values.
func (c *AppConfig) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	r := &c.Run
	if r.Concurrency == 0 {
		r.Concurrency = 4
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 60 * time.Second
	}
	if r.TargetSize == 0 {
		r.TargetSize = 100
	}
	if r.OutputDir == "" {
		r.OutputDir = "out"
	}
	if r.SelectInterval == 0 {
		r.SelectInterval = 5 * time.Second
	}
	if r.DefaultCooldown == 0 {
		r.DefaultCooldown = 60 * time.Second
	}
	if r.ProgressEvery == 0 {
		r.ProgressEvery = 10
	}

	s := &c.Storage
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	if s.Dir == "" {
		s.Dir = ".relay"
	}
	if s.Redis.Namespace == "" {
		s.Redis.Namespace = "relay"
	}
	if s.Database.Driver == "" {
		s.Database.Driver = "pgx"
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = 60 * time.Second
		}
	}
}

// Validate checks the configuration for errors that would only surface mid-run.
func (c *AppConfig) Validate() error {
	var errs []error

	r := c.Run
	if r.Concurrency < 0 {
		errs = append(errs, errors.New("run.concurrency must not be negative"))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, errors.New("run.max_retries must not be negative"))
	}
	if r.TargetSize < 0 {
		errs = append(errs, errors.New("run.target_size must not be negative"))
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, errors.New("run delays must not be negative"))
	}

	switch c.Storage.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("storage.redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Storage.Database.URL == "" {
			errs = append(errs, errors.New("storage.database.url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.DLQRetention < 0 {
		errs = append(errs, errors.New("storage.dlq_retention must not be negative"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if _, err := p.Descriptor(); err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", p.Name, err))
		}
		if p.RequestsPerMinute < 0 || p.TokensPerMinute < 0 {
			errs = append(errs, fmt.Errorf("provider %q: limits must not be negative", p.Name))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("provider %q: timeout must not be negative", p.Name))
		}
	}

	return errors.Join(errs...)
}
