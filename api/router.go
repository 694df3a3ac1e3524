package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions configures the extra routes next to /api.
type RouterOptions struct {
	// PublicPrefix is where downloaded files are served, e.g. "/downloads".
	// Empty disables file serving.
	PublicPrefix string
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

// NewRouter builds the gin engine with the control routes under /api.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	if prefix := strings.TrimSuffix(opts.PublicPrefix, "/"); prefix != "" {
		router.GET(prefix+"/*filepath", h.serveDownload)
	}

	h.Register(router.Group("/api"))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
