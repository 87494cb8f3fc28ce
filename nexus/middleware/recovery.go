package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/gin-gonic/gin"
)

// Recovery 捕获处理链中的 panic，记录堆栈后返回 500。
// 已被升级为 WebSocket 的请求不再写响应。
func Recovery(logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			ctx := c.Request.Context()
			requestID := c.GetString(requestIDKey)
			logger.ErrorContext(ctx, "panic recovered",
				clog.Any("panic", rec),
				clog.String("request_id", requestID),
				clog.String("method", c.Request.Method),
				clog.String("path", c.Request.URL.Path),
				clog.String("stack", string(debug.Stack())),
			)
			observability.RecordHTTPError(ctx, metrics.L("method", c.Request.Method), metrics.L("route", "panic"))

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "internal server error",
				"request_id": requestID,
			})
		}()

		c.Next()
	}
}
