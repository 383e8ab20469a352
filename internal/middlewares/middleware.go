package middlewares

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/GhostRoom/middleware/log"
	"github.com/Gopher0727/GhostRoom/utils/ratelimit"
)

const TraceHeader = "X-Trace-ID"

type MiddlewareManager struct {
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// NewMiddlewareManager limiter 为 nil 时不限流
func NewMiddlewareManager(limiter ratelimit.Limiter, log *logger.Logger) *MiddlewareManager {
	return &MiddlewareManager{limiter: limiter, log: log}
}

// Trace 从 X-Trace-ID 读取或生成 trace id，写入 request context 和响应头
func (m *MiddlewareManager) Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.WithTraceID(c.Request.Context(), c.GetHeader(TraceHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, logger.GetTraceID(ctx))
		c.Next()
	}
}

func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			m.log.ErrorContext(ctx, "server error", fields...)
		case status >= 400:
			m.log.WarnContext(ctx, "client error", fields...)
		default:
			m.log.DebugContext(ctx, "request completed", fields...)
		}
	}
}

// Recovery 捕获 panic，返回 500
func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				m.log.ErrorContext(c.Request.Context(), "panic recovered",
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
		}()
		c.Next()
	}
}

// RateLimit 按客户端 IP 和 scope 限流，每分钟 perMinute 次
func (m *MiddlewareManager) RateLimit(scope string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.limiter == nil || perMinute <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("ip:%s:%s", c.ClientIP(), scope)
		d, err := m.limiter.Allow(c.Request.Context(), key, perMinute, time.Minute)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}
		if !d.Allowed {
			retry := int(d.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
