package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/handler"
	"github.com/noah-isme/member-requests-api/internal/middleware"
	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/service"
	"github.com/noah-isme/member-requests-api/pkg/config"
	"github.com/noah-isme/member-requests-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/member-requests-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/member-requests-api/pkg/middleware/requestid"
)

type routerDeps struct {
	changeRequests *service.ChangeRequestService
	members        *service.MemberService
	bulk           *service.BulkStatusService
	audit          *service.AuditService
	tokens         *service.TokenService
	metrics        *service.MetricsService
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	// Forwarding headers are only honoured from configured proxies.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logr.Warn("invalid trusted proxies, trusting none", zap.Strings("trusted_proxies", cfg.TrustedProxies), zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))

	metricsHandler := handler.NewMetricsHandler(deps.metrics)
	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	changeRequestHandler := handler.NewChangeRequestHandler(deps.changeRequests)
	memberHandler := handler.NewMemberHandler(deps.members, deps.bulk)
	auditHandler := handler.NewAuditHandler(deps.audit)

	staff := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.ClientMeta(), middleware.JWT(deps.tokens))

	requests := api.Group("/change-requests")
	requests.POST("", changeRequestHandler.Create)
	requests.GET("", changeRequestHandler.List)
	requests.GET("/pending", staff, changeRequestHandler.Pending)
	requests.GET("/:id", changeRequestHandler.Get)
	requests.POST("/:id/resolve", middleware.AdminOnly(), changeRequestHandler.Resolve)

	members := api.Group("/members")
	members.GET("", staff, memberHandler.List)
	members.POST("/bulk-status", middleware.AdminOnly(), memberHandler.BulkStatus)
	members.GET("/:id", middleware.RBAC(string(models.RoleSuperAdmin), string(models.RoleAdmin), string(models.RoleStaff), middleware.SelfRole), memberHandler.Get)
	members.PATCH("/:id/status", middleware.AdminOnly(), memberHandler.SetStatus)
	members.DELETE("/:id", middleware.AdminOnly(), memberHandler.Remove)

	audit := api.Group("/audit-logs")
	audit.POST("", middleware.AdminOnly(), auditHandler.Append)
	audit.GET("", staff, auditHandler.List)
	audit.GET("/export", staff, auditHandler.Export)

	api.GET("/system/metrics", middleware.AdminOnly(), metricsHandler.Summary)

	return r
}
