package models

import "time"

type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthRateLimited HealthStatus = "rate_limited"
	HealthUnknown     HealthStatus = "unknown"
)

type Credential struct {
	ID       string `json:"id"`
	Secret   string `json:"-"`
	IsActive bool   `json:"is_active"`

	Health           HealthStatus `json:"health"`
	RateLimitedUntil *time.Time   `json:"rate_limited_until,omitempty"`
	UsageCount       int64        `json:"usage_count"`
	ErrorCount       int64        `json:"error_count"`
	LastUsedAt       *time.Time   `json:"last_used_at,omitempty"`
}

// CoolingDown reports whether the credential is inside a cool-down window at now.
// A window that ended in the past counts as no window.
func (c Credential) CoolingDown(now time.Time) bool {
	return c.RateLimitedUntil != nil && c.RateLimitedUntil.After(now)
}

type KeyUsage struct {
	Health     HealthStatus `json:"health"`
	UsageCount int64        `json:"usage_count"`
	ErrorCount int64        `json:"error_count"`
}

type PoolSnapshot struct {
	TotalKeys       int                 `json:"total_keys"`
	HealthyKeys     int                 `json:"healthy_keys"`
	DegradedKeys    int                 `json:"degraded_keys"`
	RateLimitedKeys int                 `json:"rate_limited_keys"`
	UnknownKeys     int                 `json:"unknown_keys"`
	TotalUsage      int64               `json:"total_usage"`
	TotalErrors     int64               `json:"total_errors"`
	PerKeyUsage     map[string]KeyUsage `json:"per_key_usage"`
}
