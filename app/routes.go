package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func initializeRoutes(router *gin.Engine, s *server) {
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/", infoHandler)
	router.GET("/stats", s.statsHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	router.GET("/image", s.handleImageFetch)
	router.POST("/prefetch", s.handlePrefetch)
	router.DELETE("/cache", s.handleClear)
	router.POST("/cache/sweep", s.handleSweep)

	router.NoRoute(notFoundHandler)
}
