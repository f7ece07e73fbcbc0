package router

import (
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/controller"
	"github.com/songquanpeng/metering-proxy/middleware"
)

// SetRelayRouter wires the Anthropic passthrough surface.
// https://docs.anthropic.com/en/api/messages
func SetRelayRouter(router *gin.Engine) {
	router.Use(middleware.CORS())
	relayV1Router := router.Group("/v1")
	relayV1Router.Use(middleware.RelayPanicRecover(), middleware.RequestTracker(), middleware.TokenAuth())
	{
		relayV1Router.POST("/messages", controller.Relay)
	}
}
