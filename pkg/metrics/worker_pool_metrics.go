package metrics

import (
	"database/sql"
	"time"
)

type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// PoolHealth summarizes a database/sql pool.
type PoolHealth struct {
	Status      PoolHealthStatus `json:"status"`
	InUse       int              `json:"in_use"`
	Idle        int              `json:"idle"`
	MaxOpen     int              `json:"max_open"`
	WaitCount   int64            `json:"wait_count"`
	Utilization float64          `json:"utilization"`
}

// AssessPool grades utilization: >=95% unhealthy, >=80% degraded. Long
// cumulative waits degrade an otherwise healthy pool.
func AssessPool(stats sql.DBStats) PoolHealth {
	h := PoolHealth{
		Status:    PoolHealthy,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		MaxOpen:   stats.MaxOpenConnections,
		WaitCount: stats.WaitCount,
	}
	if stats.MaxOpenConnections == 0 {
		return h
	}

	h.Utilization = float64(stats.InUse) / float64(stats.MaxOpenConnections)
	switch {
	case h.Utilization >= 0.95:
		h.Status = PoolUnhealthy
	case h.Utilization >= 0.80:
		h.Status = PoolDegraded
	}
	if h.Status == PoolHealthy && stats.WaitDuration > 5*time.Second {
		h.Status = PoolDegraded
	}
	return h
}
