package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GhostRoom/internal/utils"
)

// AsyncMiddleware 将处理链提交到协程池执行，限制同时访问数据库的请求数。
// 当前 goroutine 阻塞等待，对客户端仍是同步的请求-响应。
// gin.Context 同一时刻只被 worker 使用，因此是安全的
func AsyncMiddleware(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		done := make(chan struct{})
		task := func() {
			defer close(done)
			c.Next()
		}

		// 客户端断开时放弃排队
		if err := pool.Submit(c.Request.Context(), task); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Server is busy, please try again later"})
			return
		}
		<-done
	}
}
