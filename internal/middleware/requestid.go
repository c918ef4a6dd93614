// Package middleware provides gin middleware shared by the gateway server.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sofatutor/llm-gateway/internal/logging"
)

// RequestID handles request and correlation ID context propagation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := getOrGenerateID(c.GetHeader("X-Request-ID"))
		correlationID := getOrGenerateID(c.GetHeader("X-Correlation-ID"))

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()
	}
}

// getOrGenerateID returns the provided ID if non-empty, otherwise a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if existingID == "" {
		return uuid.New().String()
	}
	return existingID
}
