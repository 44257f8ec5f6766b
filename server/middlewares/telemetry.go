package middlewares

import (
	"fmt"
	"time"

	config "github.com/agentwire/a2a/server/config"
	otel "github.com/agentwire/a2a/server/otel"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TelemetryMiddleware records request count, status and duration metrics
type TelemetryMiddleware struct {
	logger    *zap.Logger
	telemetry otel.OpenTelemetry
}

// NewTelemetryMiddleware creates a telemetry middleware bound to a telemetry
// instance.
func NewTelemetryMiddleware(cfg config.Config, telemetry otel.OpenTelemetry, logger *zap.Logger) (*TelemetryMiddleware, error) {
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry instance cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &TelemetryMiddleware{
		logger:    logger,
		telemetry: telemetry,
	}, nil
}

// Middleware returns the gin handler recording per-request metrics
func (t *TelemetryMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		ctx := c.Request.Context()

		t.telemetry.RecordRequestCount(ctx, c.Request.Method)

		c.Next()

		durationMs := float64(time.Since(start).Milliseconds())
		t.telemetry.RecordResponseStatus(ctx, c.Request.Method, path, c.Writer.Status())
		t.telemetry.RecordRequestDuration(ctx, c.Request.Method, path, durationMs)
	}
}
