package bootstrap

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"mailsync_server/adapter/in/http"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"
)

const (
	apiRateLimit  = 300
	apiRateWindow = time.Minute
	maxBodyBytes  = 1 << 20
)

// NewAPI builds the HTTP app on deps. The caller owns deps and its cleanup.
func NewAPI(deps *Dependencies, w *Worker) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             maxBodyBytes,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	app.Use(middleware.MaxBodySize(maxBodyBytes))
	app.Use(middleware.RequestLogger())

	// SSE responses must not be buffered by the compressor.
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/events")
		},
	}))

	// AllowCredentials:true requires explicit origins (not "*")
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandlerWithDeps(deps.SQLDB, deps.Redis).
		WithStats("realtime", func(context.Context) any { return deps.Hub.Stats() }).
		WithStats("oauth_breakers", func(context.Context) any { return deps.OAuthBreakers.States() }).
		WithStats("gmail_breaker", func(context.Context) any { return deps.GmailFetcher.BreakerState() }).
		WithStats("fetch_latency", func(context.Context) any { return deps.FetchMetrics.Snapshot() })
	if deps.StreamQueue != nil {
		healthHandler.WithStats("queues", func(ctx context.Context) any {
			depths, err := deps.StreamQueue.Depths(ctx, cfg.ConsumerGroup)
			if err != nil {
				return fiber.Map{"error": err.Error()}
			}
			return depths
		})
	}
	if w != nil {
		healthHandler.WithStats("worker_pool", func(context.Context) any { return w.GetMetrics() })
	}
	healthHandler.Register(app)

	// API routes (with auth and rate limiting)
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret, middleware.NewTokenBlacklist(deps.Redis)))
	api.Use(middleware.RateLimit(deps.Counters, apiRateLimit, apiRateWindow))

	http.NewSyncHandler(deps.MailSyncService, deps.TokenRefresher).Register(api)
	http.NewSSEHandler(deps.Hub, logger.Component("sse")).Register(api)

	logger.Info("[Bootstrap.NewAPI] API server initialized")
	return app
}
