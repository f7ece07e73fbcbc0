package controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/common"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/graceful"
)

// Health is the unauthenticated liveness probe. While the server is draining
// it answers 503 so load balancers stop routing here before the listener goes
// away.
func Health(c *gin.Context) {
	if graceful.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "draining",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func GetStatus(c *gin.Context) {
	port := config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data": gin.H{
			"version":    common.Version,
			"start_time": common.StartTime,
			"port":       port,
		},
	})
}
