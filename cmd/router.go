package cmd

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/mordilloSan/go_logger/logger"
	"golang.org/x/time/rate"

	"github.com/mordilloSan/diskexplorer/config"
	"github.com/mordilloSan/diskexplorer/metrics"
)

func (d *daemon) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	metrics.Init(true)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), metrics.Middleware(), corsMiddleware(d.cfg.Server))
	if d.cfg.Server.Gzip {
		r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/progress/stream", "/metrics"})))
	}

	r.GET("/health", d.handleHealth)
	r.GET("/status", d.handleStatus)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/scan/*path", d.handleScan)
	r.GET("/search/*path", d.handleSearch)
	r.GET("/progress", d.handleProgress)
	r.GET("/progress/stream", d.handleProgressStream)
	r.GET("/results", d.handleResults)
	r.POST("/cancel", d.handleCancel)

	r.GET("/history", d.handleHistory)
	r.GET("/insights", d.handleInsights)
	r.GET("/duplicates", d.handleDuplicates)
	r.GET("/thumbnail", d.handleThumbnail)
	r.GET("/audit", d.handleAudit)
	r.POST("/vacuum", d.handleVacuum)

	files := r.Group("/files", rateLimit(d.cfg.Files))
	files.POST("/delete", d.handleDelete)
	files.POST("/move", d.handleMove)
	files.POST("/rename", d.handleRename)

	return r
}

func corsMiddleware(cfg config.ServerConfig) gin.HandlerFunc {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	if len(cfg.CORSOrigins) == 0 || slices.Contains(cfg.CORSOrigins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.CORSOrigins
	}
	return cors.New(c)
}

// rateLimit throttles the mutating file endpoints with one shared limiter.
func rateLimit(cfg config.FilesConfig) gin.HandlerFunc {
	if cfg.RateLimit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("http method=%s path=%s status=%d duration=%v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Truncate(time.Microsecond))
	}
}
