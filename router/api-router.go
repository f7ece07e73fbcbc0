package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/controller"
)

// SetApiRouter wires the operational endpoints. These carry no auth; they
// expose nothing beyond liveness and build metadata.
func SetApiRouter(router *gin.Engine) {
	router.GET("/health", controller.Health)

	apiRouter := router.Group("/api")
	apiRouter.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		apiRouter.GET("/status", controller.GetStatus)
	}
}
