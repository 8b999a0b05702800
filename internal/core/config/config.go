package config

import (
	"fmt"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	redisclient "github.com/vietddude/relay/internal/infra/redis"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Server    ServerConfig     `yaml:"server"`
	Run       RunConfig        `yaml:"run"`
	Storage   StorageConfig    `yaml:"storage"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig holds status server settings. Port 0 disables the server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RunConfig controls one generation run.
type RunConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	TargetSize       int           `yaml:"target_size"`
	QualityThreshold float64       `yaml:"quality_threshold"`
	Resume           *bool         `yaml:"resume"`
	Input            string        `yaml:"input"`
	OutputDir        string        `yaml:"output_dir"`
	SelectInterval   time.Duration `yaml:"select_interval"`
	DefaultCooldown  time.Duration `yaml:"default_cooldown"`
	ProgressEvery    int           `yaml:"progress_every"`
}

// ShouldResume reports whether an in-progress session is reopened.
// Resuming is the default.
func (r RunConfig) ShouldResume() bool {
	return r.Resume == nil || *r.Resume
}

// StorageBackend selects where sessions and dead letters live.
type StorageBackend string

const (
	BackendFile     StorageBackend = "file"
	BackendRedis    StorageBackend = "redis"
	BackendPostgres StorageBackend = "postgres"
)

// StorageConfig holds session and DLQ storage settings.
type StorageConfig struct {
	Backend      StorageBackend     `yaml:"backend"`
	Dir          string             `yaml:"dir"`
	DLQRetention time.Duration      `yaml:"dlq_retention"` // 0 = keep forever
	Redis        redisclient.Config `yaml:"redis"`
	Database     postgres.Config    `yaml:"database"`
}

// ProviderConfig holds settings for one generation provider.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Transport         string        `yaml:"transport"`
	Model             string        `yaml:"model"`
	CredentialRef     string        `yaml:"credential_ref"`
	Endpoint          string        `yaml:"endpoint"`
	Tier              int           `yaml:"tier"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 = unlimited
	TokensPerMinute   int           `yaml:"tokens_per_minute"`   // 0 = unlimited
	Timeout           time.Duration `yaml:"timeout"`
}

// Descriptor converts the provider entry into its domain form.
func (p ProviderConfig) Descriptor() (domain.ProviderDescriptor, error) {
	kind, err := domain.ParseTransportKind(p.Transport)
	if err != nil {
		return domain.ProviderDescriptor{}, err
	}
	return domain.ProviderDescriptor{
		Name:              p.Name,
		Transport:         kind,
		Model:             p.Model,
		CredentialRef:     p.CredentialRef,
		Endpoint:          p.Endpoint,
		Tier:              p.Tier,
		Timeout:           p.Timeout,
		RequestsPerMinute: p.RequestsPerMinute,
		TokensPerMinute:   p.TokensPerMinute,
	}, nil
}

// Descriptors converts every provider entry.
func (c *AppConfig) Descriptors() ([]domain.ProviderDescriptor, error) {
	out := make([]domain.ProviderDescriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		d, err := p.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}
