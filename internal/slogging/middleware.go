package slogging

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware for logging requests using slog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get logger
		logger := Get().WithContext(c)

		// Store logger in context for handlers to use
		c.Set("logger", logger)

		// Check if request is authenticated
		userID, hasUser := c.Get("userID")
		isAuthenticated := hasUser && userID != nil && userID != ""

		// Skip logging if configured to suppress unauthenticated logs
		if Get().suppressUnauthenticatedLogs && !isAuthenticated {
			// Still process the request, just don't log
			c.Next()
			return
		}

		// Log request start
		logger.DebugCtx("Request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("user_agent", c.GetHeader("User-Agent")),
		)

		// Process request
		start := time.Now()
		c.Next()

		// Calculate duration
		latency := time.Since(start)

		// Get status from gin context
		var statusCode int
		if w, ok := c.Writer.(interface{ Status() int }); ok {
			statusCode = w.Status()
		} else {
			statusCode = 0 // Unknown
		}

		// Log request completion based on status code
		logAttrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status_code", statusCode),
			slog.Duration("duration", latency),
			slog.Int64("response_size", int64(c.Writer.Size())),
		}

		switch {
		case statusCode >= 500:
			logger.ErrorCtx("Request completed with server error", logAttrs...)
		case statusCode >= 400:
			logger.WarnCtx("Request completed with client error", logAttrs...)
		default:
			logger.InfoCtx("Request completed successfully", logAttrs...)
		}
	}
}

// Recoverer creates middleware for recovering from panics using slog
func Recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// Get logger from context or create one
				var logger *ContextLogger
				loggerInterface, exists := c.Get("logger")
				if exists {
					logger = loggerInterface.(*ContextLogger)
				} else {
					logger = Get().WithContext(c)
				}

				// Get stack trace
				buf := make([]byte, 2048)
				n := runtime.Stack(buf, false)
				stackTrace := string(buf[:n])

				// Log error with stack trace
				logger.ErrorCtx("Panic recovered",
					slog.Any("panic_value", err),
					slog.String("stack_trace", stackTrace),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
				)

				// Return error to client
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}

// PerformanceMiddleware logs performance metrics for requests
func PerformanceMiddleware(slowRequestThreshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)

		// Log slow requests
		if duration > slowRequestThreshold {
			logger := Get().WithContext(c)

			statusCode := c.Writer.Status()

			logger.WarnCtx("Slow request detected",
				slog.String("method", c.Request.Method),
				slog.String("path", c.Request.URL.Path),
				slog.Duration("duration", duration),
				slog.Duration("threshold", slowRequestThreshold),
				slog.Int("status_code", statusCode),
				slog.Int64("response_size", int64(c.Writer.Size())),
			)
		}
	}
}
