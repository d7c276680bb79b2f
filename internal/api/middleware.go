// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/utils"
)

const requestIDKey = "request_id"

// RequestID 为每个请求分配ID，沿用客户端传入的 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger 记录请求日志并计入指标
func RequestLogger(logger *zap.Logger, metrics *utils.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		metrics.IncrementCounter("http.requests")
		if c.Writer.Status() >= http.StatusInternalServerError {
			metrics.IncrementCounter("http.errors")
		}
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", c.GetString(requestIDKey)))
	}
}

// RateLimiter 固定窗口限流器
type RateLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	visitors  map[string]*Visitor
	lastSweep time.Time
}

// Visitor 单个客户端的限流状态
type Visitor struct {
	Remaining int
	Reset     time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:     limit,
		window:    window,
		visitors:  make(map[string]*Visitor),
		lastSweep: time.Now(),
	}
}

// Allow 判断 key 在当前窗口内是否还有额度，返回剩余额度与窗口重置时间
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweep(now)

	visitor, exists := rl.visitors[key]
	if !exists || now.After(visitor.Reset) {
		visitor = &Visitor{Remaining: rl.limit, Reset: now.Add(rl.window)}
		rl.visitors[key] = visitor
	}
	if visitor.Remaining <= 0 {
		return false, 0, visitor.Reset
	}
	visitor.Remaining--
	return true, visitor.Remaining, visitor.Reset
}

// sweep 删除过期的访客，每个窗口最多一次
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for key, visitor := range rl.visitors {
		if now.After(visitor.Reset) {
			delete(rl.visitors, key)
		}
	}
	rl.lastSweep = now
}

// Middleware 按客户端IP限流
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, remaining, reset := rl.Allow(c.ClientIP())
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
		if !ok {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
