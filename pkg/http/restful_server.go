package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"liyu1981.xyz/medipi-dispenser/pkg/dispenser"
)

type RestfulServer struct {
	Server           *gin.Engine
	Dispenser        *dispenser.Dispenser
	RateLimiterStore *dispenser.RateLimiterStore
}

func (rs *RestfulServer) GetLimiter(clientIP string) *rate.Limiter {
	if rs.RateLimiterStore == nil {
		return nil
	}
	return rs.RateLimiterStore.GetLimiter(clientIP)
}

func (rs *RestfulServer) CheckClientLimiter(clientIP string) bool {
	limiter := rs.GetLimiter(clientIP)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// limitByClient rejects clients that exceed their request budget.
func (rs *RestfulServer) limitByClient(c *gin.Context) {
	if !rs.CheckClientLimiter(c.ClientIP()) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	c.Next()
}

func (rs *RestfulServer) Setup() {
	rs.Server.GET("/healthz", rs.HealthCheck)

	api := rs.Server.Group("/", rs.limitByClient)
	{
		api.GET("/status", rs.GetStatus)
		api.GET("/schedules", rs.GetSchedules)
		api.POST("/commands", rs.PostCommand)
		api.POST("/rfid/scan", rs.PostScan)
	}
}
