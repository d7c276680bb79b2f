// internal/api/router.go
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/utils"
)

// RouterOptions 路由配置
type RouterOptions struct {
	Debug   bool
	Logger  *zap.Logger
	Metrics *utils.MetricsCollector
	// SessionsPerMinute 每个客户端IP每分钟可创建的会话数，0 表示不限
	SessionsPerMinute int
}

// SetupRouter 配置网关路由
func SetupRouter(gw *Gateway, opts RouterOptions) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Logger == nil {
		opts.Logger = gw.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = gw.metrics
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(opts.Logger, opts.Metrics))
	r.Use(corsMiddleware())

	r.GET("/healthz", gw.Health)
	r.GET("/metrics", gw.Metrics)

	v1 := r.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			if opts.SessionsPerMinute > 0 {
				limiter := NewRateLimiter(opts.SessionsPerMinute, time.Minute)
				sessions.POST("", limiter.Middleware(), gw.CreateSession)
			} else {
				sessions.POST("", gw.CreateSession)
			}
			sessions.GET("/:id", gw.GetSession)
			sessions.DELETE("/:id", gw.DeleteSession)
			sessions.GET("/:id/decode", gw.Decode)
			sessions.GET("/:id/infer", gw.Infer)
			sessions.POST("/:id/commit", gw.Commit)
			sessions.POST("/:id/abort", gw.Abort)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		NewResponseHelper().Error(c, http.StatusNotFound, ErrorNotFound, "route not found", c.Request.URL.Path)
	})
	return r
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
