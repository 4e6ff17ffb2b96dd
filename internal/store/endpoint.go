package store

import (
	"time"

	"gorm.io/gorm"
)

// HealthState is the cached verdict for one endpoint. Endpoints start
// Unknown and are only transitioned by the throttled probe or by a
// connection-class error observed mid-operation.
type HealthState int

const (
	StateUnknown HealthState = iota
	StateHealthy
	StateUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type endpoint struct {
	name        string
	db          *gorm.DB
	state       HealthState
	lastChecked time.Time
}

func (e *endpoint) healthy() bool { return e.state == StateHealthy }

// EndpointStats is a pool utilization snapshot for one endpoint.
type EndpointStats struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked_at"`
	OpenConns   int       `json:"open_conns"`
	InUse       int       `json:"in_use"`
	Idle        int       `json:"idle"`
}

// Stats aggregates pool utilization across the primary and all replicas.
type Stats struct {
	Primary  EndpointStats   `json:"primary"`
	Replicas []EndpointStats `json:"replicas"`
}
