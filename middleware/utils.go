package middleware

import (
	"net/http"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
)

// AbortWithError aborts the request with the standard error envelope
// `{"error": <message>}`. Client errors are logged at warn, server errors at error.
func AbortWithError(c *gin.Context, statusCode int, message string) {
	abortWithEnvelope(c, statusCode, gin.H{"error": message}, nil)
}

// AbortWithErrorDetails is AbortWithError with the cause surfaced in a
// `details` field so callers can tell why their token or request was rejected.
func AbortWithErrorDetails(c *gin.Context, statusCode int, message string, err error) {
	abortWithEnvelope(c, statusCode, gin.H{"error": message, "details": err.Error()}, err)
}

func abortWithEnvelope(c *gin.Context, statusCode int, body gin.H, err error) {
	logger := gmw.GetLogger(c)
	fields := []zap.Field{
		zap.Int("status_code", statusCode),
		zap.String("path", c.Request.URL.Path),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("server abort", fields...)
	} else {
		logger.Warn("server abort", fields...)
	}

	c.JSON(statusCode, body)
	c.Abort()
}
