// Package middleware holds the gin middleware of the ops API.
package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// RequestObserver records finished requests. Satisfied by monitoring.Metrics.
type RequestObserver interface {
	ObserveHTTPRequest(path, method string, status int, elapsed time.Duration)
}

// Observability starts a server span per request, tags the context with a request id,
// records metrics labelled by route template and logs the outcome.
func Observability(tracer trace.Tracer, observer RequestObserver, log logger.Logger) gin.HandlerFunc {
	propagator := otel.GetTextMapPropagator()
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+c.FullPath(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		if observer != nil {
			observer.ObserveHTTPRequest(path, c.Request.Method, status, elapsed)
		}
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", path),
			attribute.Int("http.status_code", status),
		)

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", status),
			logger.Int64("latency_ms", elapsed.Milliseconds()),
			logger.String("client_ip", c.ClientIP()),
		}
		if status >= 500 {
			log.Warn(ctx, "Request failed", fields...)
		} else {
			log.Debug(ctx, "Request processed", fields...)
		}
	}
}
