package models

import "time"

// ServiceStatus is the binary health verdict for one check cycle.
type ServiceStatus string

// Service statuses.
const (
	StatusUp   ServiceStatus = "up"
	StatusDown ServiceStatus = "down"
)

// HealthResult is the outcome of one check of one service. The
// ConsecutiveFails counter is the invariant carrier for alert and restart
// thresholds.
type HealthResult struct {
	Service          string        `json:"service"`
	Status           ServiceStatus `json:"status"`
	Latency          time.Duration `json:"latency"`
	Error            string        `json:"error,omitempty"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	CheckedAt        time.Time     `json:"checkedAt"`
}
