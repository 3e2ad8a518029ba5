package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/middleware"
	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/pkg/config"
	"github.com/noah-isme/bktutor-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/bktutor-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/bktutor-api/pkg/middleware/requestid"
)

func registerRoutes(r *gin.Engine, cfg *config.Config, app *application, logr *zap.Logger) {
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(app.metrics))

	r.GET("/health", app.observability.Health)
	r.GET("/ready", app.observability.Ready)
	r.GET("/metrics", app.observability.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	api.POST("/auth/login", app.auth.Login)
	// Signed-token downloads carry their own authorisation.
	api.GET("/files/:token", app.materials.Download)
	if app.reportHandler != nil {
		api.GET("/export/:token", app.reportHandler.DownloadReport)
	}
	api.GET("/events/stream", middleware.StreamJWT(app.authService), app.notifications.Stream)

	secured := api.Group("")
	secured.Use(middleware.JWT(app.authService))

	secured.GET("/auth/me", app.auth.Me)

	sessions := secured.Group("/sessions")
	sessions.POST("", app.sessions.Create)
	sessions.GET("", app.sessions.List)
	sessions.GET("/:id", app.sessions.Get)
	sessions.PATCH("/:id", app.sessions.Update)
	sessions.POST("/:id/accept", middleware.RequireRoles(models.RoleTutor), app.sessions.Accept)
	sessions.POST("/:id/decline", middleware.RequireRoles(models.RoleTutor), app.sessions.Decline)
	sessions.POST("/:id/cancel", app.sessions.Cancel)
	sessions.POST("/:id/reschedule", app.sessions.RequestReschedule)
	sessions.POST("/:id/reschedule/accept", app.sessions.AcceptReschedule)
	sessions.POST("/:id/reschedule/decline", app.sessions.DeclineReschedule)
	sessions.POST("/:id/complete", app.sessions.Complete)
	sessions.POST("/:id/rate", middleware.RequireRoles(models.RoleStudent), app.sessions.Rate)

	secured.GET("/students/:id/progress", app.progress.ForStudent)

	notifications := secured.Group("/notifications")
	notifications.GET("", app.notifications.List)
	notifications.GET("/unread-count", app.notifications.UnreadCount)
	notifications.POST("/read-all", app.notifications.MarkAllRead)
	notifications.POST("/:id/read", app.notifications.MarkRead)
	notifications.DELETE("/:id", app.notifications.Delete)

	materials := secured.Group("/materials")
	materials.GET("", app.materials.List)
	materials.POST("", middleware.RequireRoles(models.RoleTutor, models.RoleCoordinator, models.RoleChair, models.RoleAdministrator), app.materials.Create)
	materials.GET("/:id", app.materials.Get)
	materials.PATCH("/:id", app.materials.Update)
	materials.DELETE("/:id", app.materials.Delete)
	materials.POST("/:id/share", app.materials.Share)
	materials.POST("/:id/downloads", app.materials.IncrementDownload)
	materials.GET("/:id/link", app.materials.Link)

	if app.reportHandler != nil {
		secured.POST("/reports/progress", middleware.Audit(app.auditRepo, models.AuditActionReportRequest, "reports", logr), app.reportHandler.GenerateProgress)
		secured.GET("/reports/:id", app.reportHandler.ReportStatus)
	}

	users := secured.Group("/users")
	users.GET("", middleware.RequireStaff(), app.users.List)
	users.GET("/:id", middleware.RBAC(string(models.RoleCoordinator), string(models.RoleChair), string(models.RoleAdministrator), middleware.SelfAccess), app.users.Get)
	users.POST("", middleware.RequireRoles(models.RoleAdministrator), app.users.Create)
	users.PATCH("/:id", middleware.RequireRoles(models.RoleAdministrator), app.users.Update)
	users.DELETE("/:id", middleware.RequireRoles(models.RoleAdministrator), app.users.Delete)
}
