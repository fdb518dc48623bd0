package fraudsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/fraud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var noon = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) (*Scorer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewScorer(rdb, func() time.Time { return noon }, zap.NewNop().Sugar()), mr
}

func TestScoreSmallTransferApproved(t *testing.T) {
	s, _ := newScorer(t)
	resp := s.Score(context.Background(), fraud.CheckRequest{Amount: 300, AccountID: "A", TransactionType: "INTERNAL_TRANSFER"})

	assert.Equal(t, 5, resp.RiskScore)
	assert.Equal(t, "APPROVE", resp.Decision)
	assert.Equal(t, "PROCEED_WITH_LOGGING", resp.RecommendedAction)
	assert.Empty(t, resp.Flags)
}

func TestScoreLargeRoundWithdrawal(t *testing.T) {
	s, _ := newScorer(t)
	// amount 50 + round 20 + type 15
	resp := s.Score(context.Background(), fraud.CheckRequest{Amount: 2_000_000, AccountID: "A", TransactionType: "MPESA_WITHDRAWAL"})

	assert.Equal(t, 85, resp.RiskScore)
	assert.Equal(t, "BLOCK", resp.Decision)
	assert.Contains(t, resp.Flags, "high_amount")
	assert.Contains(t, resp.Flags, "round_amount")
	assert.Equal(t, 0.95, resp.Confidence)
}

func TestTimeRisk(t *testing.T) {
	assert.Equal(t, 30, timeRisk(3))
	assert.Equal(t, 30, timeRisk(6))
	assert.Equal(t, 20, timeRisk(23))
	assert.Equal(t, 20, timeRisk(0))
	assert.Equal(t, 10, timeRisk(7))
	assert.Equal(t, 0, timeRisk(12))
}

func TestDecisionThresholds(t *testing.T) {
	for score, want := range map[int]string{0: "APPROVE", 39: "APPROVE", 40: "CHALLENGE", 50: "FLAG", 79: "FLAG", 80: "BLOCK"} {
		got, _, _ := decide(score)
		assert.Equal(t, want, got, "score %d", score)
	}
}

func TestVelocityRaisesRisk(t *testing.T) {
	s, _ := newScorer(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(ctx, fraud.CheckRequest{Amount: 100, AccountID: "A", DestinationAccount: fmt.Sprintf("D%d", i)}))
	}
	resp := s.Score(ctx, fraud.CheckRequest{Amount: 100, AccountID: "A", TransactionType: "DEPOSIT"})

	// rapid_transactions 40 + multiple_recipients 25
	assert.Equal(t, 65, resp.Breakdown["velocity_risk"])
	assert.Contains(t, resp.Flags, "rapid_transactions")
	assert.Contains(t, resp.Flags, "multiple_recipients")
	assert.Equal(t, "FLAG", resp.Decision)
}

func TestAmountAccumulation(t *testing.T) {
	s, _ := newScorer(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, fraud.CheckRequest{Amount: 1_500_000, AccountID: "A"}))
	require.NoError(t, s.Record(ctx, fraud.CheckRequest{Amount: 1_500_000, AccountID: "A"}))

	risk, flags := s.velocity(ctx, "A", 100)
	assert.Equal(t, 20, risk)
	assert.Equal(t, []string{"moderate_amount_accumulation"}, flags)
}

func TestCheckEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, mr := newScorer(t)
	r := NewRouter(s, zap.NewNop().Sugar())

	body, _ := json.Marshal(fraud.CheckRequest{Amount: 300, AccountID: "A", DestinationAccount: "B", TransactionType: "INTERNAL_TRANSFER"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/fraud/check", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp fraud.CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "APPROVE", resp.Decision)
	assert.NotEmpty(t, resp.ProcessingTime)

	count, err := mr.Get("fraud:velocity:count:10m:A")
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestCheckEndpointRejectsBadInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newScorer(t)
	r := NewRouter(s, zap.NewNop().Sugar())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/fraud/check", bytes.NewBufferString(`{"amount":0,"account_id":"A"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
