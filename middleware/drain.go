package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/common/graceful"
)

// RequestTracker counts in-flight requests so shutdown can drain them before
// the process exits.
func RequestTracker() gin.HandlerFunc {
	return func(c *gin.Context) {
		done := graceful.BeginRequest()
		defer done()
		c.Next()
	}
}
