// Package health provides run status monitoring and the status HTTP server.
package health

import (
	"time"

	"github.com/vietddude/relay/internal/core/checkpoint"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// WindowUsage is one limiter dimension of a provider.
type WindowUsage struct {
	InWindow int `json:"in_window"`
	Max      int `json:"max"`
}

// ProviderHealth contains health data for one provider.
type ProviderHealth struct {
	Name          string                 `json:"name"`
	Transport     domain.TransportKind   `json:"transport"`
	Model         string                 `json:"model"`
	Tier          int                    `json:"tier"`
	Status        SystemStatus           `json:"status"`
	CoolingDown   bool                   `json:"cooling_down"`
	CooldownUntil *time.Time             `json:"cooldown_until,omitempty"`
	Requests      WindowUsage            `json:"requests"`
	Tokens        WindowUsage            `json:"tokens"`
	Monitor       transport.MonitorStats `json:"monitor"`
}

// DLQSummary is the dead-letter view of the status endpoints.
type DLQSummary struct {
	Count  int                  `json:"count"`
	Recent []*domain.DeadLetter `json:"recent,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus        `json:"system_status"`
	Progress     checkpoint.Progress `json:"progress"`
	Providers    []ProviderHealth    `json:"providers"`
	DeadLetters  int                 `json:"dead_letters"`
}
