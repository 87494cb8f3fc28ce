package middleware

import (
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// RequestIDHeader 请求 ID 头
	RequestIDHeader = "X-Request-ID"
	// TraceIDHeader 返回给调用方的 trace_id 头
	TraceIDHeader = "X-Trace-ID"

	requestIDKey = "request_id"
)

// Logger 返回一个请求日志中间件
// 为每个请求开启 Span，记录方法、路径、状态码、耗时，并生成请求 ID
func Logger(logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), "http "+c.Request.Method,
			attribute.String("http.path", c.Request.URL.Path))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		if traceID := observability.GetTraceID(ctx); traceID != "" {
			c.Header(TraceIDHeader, traceID)
		}

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		labels := []metrics.Label{metrics.L("method", c.Request.Method), metrics.L("route", route)}
		observability.RecordHTTPRequest(ctx, latency, labels...)
		if status >= 500 {
			observability.RecordHTTPError(ctx, labels...)
		}

		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", path),
			clog.Int("status", status),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", latency),
		}

		switch {
		case status >= 500:
			logger.ErrorContext(ctx, "server error", fields...)
		case status >= 400:
			logger.WarnContext(ctx, "client error", fields...)
		default:
			logger.InfoContext(ctx, "request", fields...)
		}
	}
}
