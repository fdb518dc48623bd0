package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bank-core/internal/config"
	"go.uber.org/zap"
)

// NewRouter wires middleware, the v1 API, health and metrics. metrics may
// be nil.
func NewRouter(svc Service, metrics http.Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggingMiddleware(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("", RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(api, svc, log)
	return r
}
