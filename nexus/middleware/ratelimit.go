package middleware

import (
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimit 以「路由 + 客户端 IP」为桶限制握手频率，超限返回 429 并附带 Retry-After。
// 限流器本身出错时放行。
func RateLimit(limiter ratelimit.Limiter, limit ratelimit.Limit, logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		key := "handshake:" + route + ":" + c.ClientIP()

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limiter unavailable, letting request through", clog.Error(err))
			c.Next()
			return
		}
		if allowed {
			c.Next()
			return
		}

		logger.WarnContext(c.Request.Context(), "handshake rate limited",
			clog.String("client_ip", c.ClientIP()),
			clog.String("route", route),
		)
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many handshakes"})
	}
}
