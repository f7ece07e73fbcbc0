package controller

import (
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/common/ctxkey"
	"github.com/songquanpeng/metering-proxy/middleware"
	rcontroller "github.com/songquanpeng/metering-proxy/relay/controller"
)

// Relay terminates POST /v1/messages. The work happens in relay/controller;
// this wrapper only renders pre-response failures, since a response that has
// started streaming can no longer change its status line.
func Relay(c *gin.Context) {
	lg := gmw.GetLogger(c)
	bizErr := rcontroller.RelayClaudeMessagesHelper(c)
	if bizErr != nil {
		middleware.AbortWithError(c, bizErr.StatusCode, bizErr.Message)
		return
	}
	lg.Debug("relay request completed",
		zap.String("model", c.GetString(ctxkey.RequestModel)),
		zap.Int("status", c.Writer.Status()))
}
