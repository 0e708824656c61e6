package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"mailsync_server/infra/database"
	"mailsync_server/pkg/metrics"
)

// StatsFunc contributes one named section to the readiness report.
type StatsFunc func(ctx context.Context) any

type HealthHandler struct {
	db    *sqlx.DB
	redis *redis.Client
	stats map[string]StatsFunc
	order []string
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{stats: map[string]StatsFunc{}}
}

func NewHealthHandlerWithDeps(db *sqlx.DB, redis *redis.Client) *HealthHandler {
	h := NewHealthHandler()
	h.db = db
	h.redis = redis
	return h
}

// WithStats adds a section to /ready. Sections render in registration order.
func (h *HealthHandler) WithStats(name string, fn StatsFunc) *HealthHandler {
	if _, ok := h.stats[name]; !ok {
		h.order = append(h.order, name)
	}
	h.stats[name] = fn
	return h
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true
	report := fiber.Map{}

	// Check PostgreSQL
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
		pool := metrics.AssessPool(h.db.Stats())
		if pool.Status == metrics.PoolUnhealthy {
			allHealthy = false
		}
		report["postgres_pool"] = pool
	} else {
		checks["postgres"] = "not configured"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
		report["redis_pool"] = database.GetRedisStats(h.redis)
	} else {
		checks["redis"] = "not configured"
	}

	for _, name := range h.order {
		report[name] = h.stats[name](ctx)
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"stats":     report,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
