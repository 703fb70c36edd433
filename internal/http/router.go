package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/voicecrm/auditcore/internal/config"
	"github.com/voicecrm/auditcore/internal/http/handlers"
	"github.com/voicecrm/auditcore/internal/middleware"
	"github.com/voicecrm/auditcore/internal/rbac"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

// SetupRouter mounts the audit API. rdb may be nil, which disables rate
// limiting; tailHub may be nil, which disables the live tail.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	auditService *services.AuditService,
	authAudit *services.AuthAuditLogger,
	auditHandler *handlers.AuditHandler,
	tailHub *handlers.AuditTailHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Session-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{"status": "ok"}
		if auditService != nil {
			body["audit"] = auditService.Stats()
		}
		if tailHub != nil {
			body["tail_connections"] = tailHub.Connections()
		}
		return c.JSON(body)
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))
	}

	protected := api.Group("", middleware.AuthMiddleware(cfg, log, authAudit))

	view := middleware.RequirePermission(rbac.PermViewAudit)
	export := middleware.RequirePermission(rbac.PermExportAudit)
	prune := middleware.RequirePermission(rbac.PermPruneAudit)

	// Audit logs
	protected.Get("/audit-logs", view, auditHandler.List)
	protected.Get("/audit-logs/summary", view, auditHandler.Summary)
	protected.Get("/audit-logs/exports", export, auditHandler.ListExports)
	protected.Get("/audit-logs/exports/:date/:filename", export, auditHandler.Download)
	protected.Post("/audit-logs/export", export, auditHandler.Export)
	protected.Post("/audit-logs/daily-export", export, auditHandler.DailyExport)
	protected.Post("/audit-logs/prune", prune, auditHandler.Prune)
	protected.Get("/audit-logs/:id", view, auditHandler.Get)

	// WebSocket
	if tailHub != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws/audit", websocket.New(tailHub.HandleWS))
	}
}
