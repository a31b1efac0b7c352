package middleware

import (
	"time"

	"camrelay/pkg/logger"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const requestIDHeader = "X-Request-ID"

// TracingMiddleware adds tracing to HTTP requests and tags the request
// context with request and trace ids for the context logger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if camera := c.Param("id"); camera != "" {
			span.SetAttributes(tracing.CameraIDKey.String(camera))
		}

		ctx = logger.WithRequestID(ctx, requestID)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)

		if c.Writer.Status() >= 500 || len(c.Errors) > 0 && c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// RequestLogMiddleware writes one access log line per request.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
