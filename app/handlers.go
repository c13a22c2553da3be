package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"img-cache/internal/fetch"
)

const (
	cacheControl         = "public, max-age=604800"
	fallbackCacheControl = "no-store"
)

type prefetchRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,max=100,dive,http_url"`
}

func (s *server) handleImageFetch(c *gin.Context) {
	imageURL, msg := s.imageURL(c)
	if msg != "" {
		s.serveFallback(c, http.StatusBadRequest, msg)
		return
	}

	img, cached, err := s.cache.Get(c.Request.Context(), imageURL)
	if err != nil {
		s.logger.Debug("image unavailable", zap.String("uri", imageURL), zap.Error(err))
		s.serveFallback(c, http.StatusBadGateway, fetchErrorMessage(err))
		return
	}
	cacheStatus := "Miss"
	if cached {
		cacheStatus = "Hit"
	}

	data, contentType, err := encodeImage(img)
	if err != nil {
		s.logger.Warn("failed to encode image", zap.String("uri", imageURL), zap.Error(err))
		s.serveFallback(c, http.StatusInternalServerError, "Failed to encode image")
		return
	}

	c.Header("X-Cache", cacheStatus)
	c.Header("Cache-Control", cacheControl)
	c.Data(http.StatusOK, contentType, data)
}

// imageURL reads the target from ?url= or, as a base64url string, from
// ?hash=. A non-empty message explains why neither is usable.
func (s *server) imageURL(c *gin.Context) (string, string) {
	raw := removeControlCharacters(c.Query("url"))
	if raw == "" {
		hash := c.Query("hash")
		if hash == "" {
			return "", "Missing url parameter"
		}

		decoded, err := decodeURL(hash)
		if err != nil {
			return "", "Invalid hash parameter"
		}
		raw = decoded
	}

	if err := s.validate.Var(raw, "http_url"); err != nil {
		return "", "Invalid url parameter"
	}
	return raw, ""
}

// serveFallback answers with the fallback image, or with a JSON error using
// status when no fallback is configured.
func (s *server) serveFallback(c *gin.Context, status int, msg string) {
	c.Header("X-Error", msg)
	if !s.fallback.ok() {
		c.JSON(status, gin.H{"status": status, "error": msg + "."})
		return
	}

	c.Header("X-Cache", "Miss")
	c.Header("Cache-Control", fallbackCacheControl)
	c.Data(http.StatusOK, s.fallback.contentType, s.fallback.data)
}

func fetchErrorMessage(err error) string {
	var statusErr *fetch.StatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("Upstream returned status %d", statusErr.Code)
	case errors.Is(err, fetch.ErrDecode):
		return "Invalid image data"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request cancelled"
	default:
		return "Failed to fetch image"
	}
}

func (s *server) handlePrefetch(c *gin.Context) {
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest, "error": "Malformed request body."})
		return
	}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest, "error": err.Error()})
			return
		}

		var validationErrors []string
		for _, fe := range verrs {
			validationErrors = append(validationErrors, fmt.Sprintf("Field '%s' is invalid.", fe.Field()))
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest, "error": validationErrors})
		return
	}

	s.cache.Prefetch(req.URLs)
	c.JSON(http.StatusAccepted, gin.H{"status": http.StatusAccepted, "data": gin.H{"queued": len(req.URLs)}})
}

func (s *server) handleClear(c *gin.Context) {
	s.cache.ClearAll()
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "data": "Cache cleared."})
}

func (s *server) handleSweep(c *gin.Context) {
	removed, err := s.cache.Sweep()
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": http.StatusInternalServerError, "error": "Sweep failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "data": gin.H{"removed": removed}})
}

func (s *server) statsHandler(c *gin.Context) {
	memoryBytes := getMemoryUsage()
	cache := s.cache.Stats()

	stats := gin.H{
		"cpu_usage": getCpuUsage(),
		"ram_usage": formatBytes(memoryBytes),

		"ram_usage_bytes": memoryBytes,

		"system_uptime": time.Since(startTime).String(),
		"go_routines":   runtime.NumGoroutine(),

		"cache": gin.H{
			"entries":      cache.Entries,
			"max_entries":  cache.MaxEntries,
			"memory":       formatBytes(uint64(cache.Cost)),
			"memory_bytes": cache.Cost,
			"max_memory":   formatBytes(uint64(cache.MaxCost)),
			"in_flight":    cache.InFlight,
			"disk_entries": cache.DiskEntries,
		},
	}

	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "data": stats})
}

func infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "data": "Image cache is running."})
}

func notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"status": http.StatusNotFound, "error": "Route not found."})
}
