package fraudsvc

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bank-core/internal/fraud"
	"go.uber.org/zap"
)

// NewRouter exposes the scorer over HTTP.
func NewRouter(s *Scorer, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		redisOK := false
		if s.rdb != nil {
			redisOK = s.rdb.Ping(c.Request.Context()).Err() == nil
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "redis": redisOK, "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})

	r.POST("/api/v1/fraud/check", func(c *gin.Context) {
		start := time.Now()
		var req fraud.CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
			return
		}
		if req.Amount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be greater than 0"})
			return
		}
		if req.AccountID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
			return
		}

		ctx := c.Request.Context()
		resp := s.Score(ctx, req)
		if err := s.Record(ctx, req); err != nil {
			log.Warnw("record velocity", "account", req.AccountID, "error", err)
		}
		elapsed := time.Since(start).Milliseconds()
		resp.ProcessingTime = fmt.Sprintf("%dms", elapsed)

		log.Infow("fraud check", "transaction_ref", req.TransactionRef, "decision", resp.Decision,
			"risk_score", resp.RiskScore, "ms", elapsed)
		c.JSON(http.StatusOK, resp)
	})
	return r
}
