package middleware

import (
	"errors"
	"net/http"
	"time"

	"sharechannel/pkg/logger"
	"sharechannel/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

var errServerStatus = errors.New("server error status")

// RequestLoggerMiddleware tags each request with an id, echoed in the
// response header, and writes one access log line when it completes.
// Server errors log at error level, client errors at info, the rest at
// debug.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = utils.GenerateMessageID()
		}
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if peerID, ok := PeerIDFromContext(c); ok {
			ctx = logger.WithPeerID(ctx, string(peerID))
		}
		if id := c.Param("id"); id != "" {
			ctx = logger.WithChannelID(ctx, id)
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			err := c.Errors.Last()
			if err == nil {
				cl.LogError(ctx, errServerStatus, "HTTP request failed", fields...)
			} else {
				cl.LogError(ctx, err.Err, "HTTP request failed", fields...)
			}
		case status >= http.StatusBadRequest:
			cl.LogInfo(ctx, "HTTP request rejected", fields...)
		default:
			cl.LogDebug(ctx, "HTTP request", fields...)
		}
	}
}
