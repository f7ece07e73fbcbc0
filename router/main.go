package router

import (
	"github.com/gin-gonic/gin"
)

// SetRouter mounts everything the proxy serves: the metered relay surface and
// the unauthenticated operational endpoints.
func SetRouter(router *gin.Engine) {
	SetRelayRouter(router)
	SetApiRouter(router)
}
