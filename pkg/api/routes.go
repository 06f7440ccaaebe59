package api

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	if s.tel.Config == nil || s.tel.Config.Metrics.Enabled {
		path := "/metrics"
		if s.tel.Config != nil && s.tel.Config.Metrics.Path != "" {
			path = s.tel.Config.Metrics.Path
		}
		router.GET(path, gin.WrapH(s.tel.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/heartbeat", s.handleHeartbeat)
		v1.GET("/pricing", s.handlePricing)

		control := v1.Group("", s.requireControlToken())
		{
			control.POST("/launch", s.handleLaunch)
			control.GET("/instances", s.handleListInstances)
			control.POST("/instances/terminate", s.handleTerminate)
		}
	}
}
