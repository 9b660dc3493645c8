package daemon

import (
	"context"
	"errors"
)

// HealthStatus is the daemon lifecycle phase reported by Health.
type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

func Healthy(name string) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: true}
}

// Unhealthy reports name as down with reason as the error text.
func Unhealthy(name, reason string) *ComponentHealth {
	return &ComponentHealth{Name: name, Error: errors.New(reason)}
}

// ErrorText is the error message, or "" for a healthy component.
func (h *ComponentHealth) ErrorText() string {
	if h == nil || h.Error == nil {
		return ""
	}
	return h.Error.Error()
}

// Component is one unit the daemon initializes, starts and stops. Init and
// Start run in dependency order, Stop in reverse.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}
