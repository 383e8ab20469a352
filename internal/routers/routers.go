package routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gopher0727/GhostRoom/config"
	"github.com/Gopher0727/GhostRoom/internal/handlers"
	"github.com/Gopher0727/GhostRoom/internal/middlewares"
	"github.com/Gopher0727/GhostRoom/internal/observability"
	"github.com/Gopher0727/GhostRoom/internal/realtime"
	"github.com/Gopher0727/GhostRoom/internal/utils"
)

// SetupRoutes 设置所有路由。hub 为 nil 时不注册 websocket 网关
func SetupRoutes(r *gin.Engine, cfg *config.Config,
	mw *middlewares.MiddlewareManager,
	groupHandler *handlers.GroupHandler,
	hub *realtime.Hub,
	pool *utils.WorkerPool,
) {
	r.Use(mw.Recovery(), mw.Trace(), mw.Logger(), observability.HTTPMetricsMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", middlewares.TraceHeader}
	corsConfig.ExposeHeaders = []string{middlewares.TraceHeader, "Retry-After"}
	r.Use(cors.New(corsConfig))

	// WebSocket 路由 (必须在 AsyncMiddleware 之前注册，避免长连接占用 Worker)
	if hub != nil {
		r.GET("/realtime", hub.ServeWS)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 异步处理中间件
	r.Use(middlewares.AsyncMiddleware(pool))

	RegisterGroupRoutes(r, cfg, mw, groupHandler)
}

// RegisterGroupRoutes 群组接口
func RegisterGroupRoutes(r *gin.Engine, cfg *config.Config, mw *middlewares.MiddlewareManager, groupHandler *handlers.GroupHandler) {
	limits := cfg.RateLimit

	groups := r.Group("/api/groups")
	{
		groups.GET("", groupHandler.ListGroups)                                                  // 群组列表
		groups.POST("", mw.RateLimit("create", limits.CreatePerMinute), groupHandler.CreateGroup) // 创建群组

		groups.POST("/heartbeat", groupHandler.Heartbeat) // 活跃心跳

		// 清理空闲群组
		groups.DELETE("/cleanup", mw.RateLimit("cleanup", limits.CleanupPerMinute), groupHandler.Cleanup)
		groups.GET("/cleanup", groupHandler.CleanupPreview) // dry run

		groups.POST("/:groupId/membership", mw.RateLimit("membership", limits.MembershipPerMinute), groupHandler.Membership) // join/leave
	}
}
