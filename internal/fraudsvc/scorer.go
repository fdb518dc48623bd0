// Package fraudsvc is a rule-based risk scorer that speaks the fraud
// package's wire format. It backs cmd/fraud for local runs.
package fraudsvc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/fraud"
	"github.com/richardliu001/bank-core/internal/model"
	"go.uber.org/zap"
)

// Decision thresholds on the summed risk score.
const (
	BlockAt     = 80
	FlagAt      = 50
	ChallengeAt = 40
)

type Scorer struct {
	rdb *redis.Client
	now func() time.Time
	log *zap.SugaredLogger
}

// NewScorer builds a scorer. rdb may be nil, which disables velocity rules.
func NewScorer(rdb *redis.Client, now func() time.Time, log *zap.SugaredLogger) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{rdb: rdb, now: now, log: log}
}

// Score evaluates req against every rule. It does not record req.
func (s *Scorer) Score(ctx context.Context, req fraud.CheckRequest) fraud.CheckResponse {
	breakdown := make(map[string]int)
	flags := []string{}
	total := 0

	add := func(name string, risk int, flag string) {
		breakdown[name] = risk
		total += risk
		if risk > 0 && flag != "" {
			flags = append(flags, flag)
		}
	}
	add("amount_risk", amountRisk(req.Amount), "high_amount")
	add("pattern_risk", roundAmountRisk(req.Amount), "round_amount")
	add("time_risk", timeRisk(s.now().Hour()), "unusual_time")
	add("type_risk", typeRisk(req.TransactionType), "")

	vRisk, vFlags := s.velocity(ctx, req.AccountID, req.Amount)
	add("velocity_risk", vRisk, "")
	flags = append(flags, vFlags...)

	decision, reason, action := decide(total)
	return fraud.CheckResponse{
		RiskScore:         total,
		Decision:          decision,
		Confidence:        confidence(total),
		Breakdown:         breakdown,
		Flags:             flags,
		Reason:            reason,
		RecommendedAction: action,
	}
}

func amountRisk(amount float64) int {
	switch {
	case amount > 1_000_000:
		return 50
	case amount > 500_000:
		return 40
	case amount > 200_000:
		return 25
	case amount > 100_000:
		return 15
	}
	return 0
}

// round numbers are a common fraud pattern
func roundAmountRisk(amount float64) int {
	n := int64(amount)
	switch {
	case n >= 100_000 && n%100_000 == 0:
		return 20
	case n >= 50_000 && n%50_000 == 0:
		return 15
	case n >= 10_000 && n%10_000 == 0:
		return 10
	}
	return 0
}

func timeRisk(hour int) int {
	switch {
	case hour >= 2 && hour <= 6:
		return 30
	case hour >= 23 || hour < 2:
		return 20
	case hour == 7:
		return 10
	}
	return 0
}

func typeRisk(txType string) int {
	switch model.TransactionType(txType) {
	case model.TxWithdrawal:
		return 10
	case model.TxMpesaWithdrawal:
		return 15
	case model.TxInternalTransfer:
		return 5
	}
	return 0
}

func decide(score int) (decision, reason, action string) {
	switch {
	case score >= BlockAt:
		return model.DecisionBlock,
			fmt.Sprintf("Critical fraud risk detected (score: %d). Multiple suspicious patterns identified.", score),
			"REJECT_TRANSACTION"
	case score >= FlagAt:
		return model.DecisionFlag,
			fmt.Sprintf("High fraud risk detected (score: %d). Transaction flagged for manual review.", score),
			"MANUAL_REVIEW"
	case score >= ChallengeAt:
		return model.DecisionChallenge,
			fmt.Sprintf("Moderate risk detected (score: %d). Additional verification recommended.", score),
			"REQUIRE_2FA"
	case score > 0:
		return model.DecisionApprove,
			fmt.Sprintf("Low risk detected (score: %d). Transaction approved with monitoring.", score),
			"PROCEED_WITH_LOGGING"
	}
	return model.DecisionApprove, "Transaction appears normal", "PROCEED"
}

func confidence(score int) float64 {
	switch {
	case score >= 80:
		return 0.95
	case score >= 60:
		return 0.85
	case score >= 40:
		return 0.75
	case score > 0:
		return 0.60
	}
	return 0.90
}

func countKey(window, account string) string {
	return fmt.Sprintf("fraud:velocity:count:%s:%s", window, account)
}

func amountKey(account string) string { return "fraud:velocity:amount:1h:" + account }

func recipientsKey(account string) string { return "fraud:velocity:recipients:1h:" + account }

func (s *Scorer) velocity(ctx context.Context, account string, amount float64) (int, []string) {
	if s.rdb == nil {
		return 0, nil
	}
	risk := 0
	var flags []string

	count10m, _ := s.rdb.Get(ctx, countKey("10m", account)).Int()
	switch {
	case count10m >= 10:
		risk += 40
		flags = append(flags, "rapid_transactions")
	case count10m >= 5:
		risk += 25
		flags = append(flags, "high_frequency")
	}

	count1h, _ := s.rdb.Get(ctx, countKey("1h", account)).Int()
	if count1h >= 20 {
		risk += 30
		flags = append(flags, "excessive_hourly_transactions")
	}

	cutoff := s.now().Add(-time.Hour).Unix()
	members, err := s.rdb.ZRangeByScore(ctx, amountKey(account), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err == nil && len(members) > 0 {
		total := 0.0
		for _, m := range members {
			total += memberAmount(m)
		}
		switch {
		case total+amount > 5_000_000:
			risk += 35
			flags = append(flags, "large_amount_accumulation")
		case total+amount > 2_000_000:
			risk += 20
			flags = append(flags, "moderate_amount_accumulation")
		}
	}

	recipients, _ := s.rdb.SCard(ctx, recipientsKey(account)).Result()
	if recipients >= 10 {
		risk += 25
		flags = append(flags, "multiple_recipients")
	}
	if risk > 0 {
		s.log.Infow("velocity alert", "account", account, "count_10m", count10m, "count_1h", count1h, "recipients", recipients)
	}
	return risk, flags
}

// Record adds req to the velocity windows.
func (s *Scorer) Record(ctx context.Context, req fraud.CheckRequest) error {
	if s.rdb == nil {
		return nil
	}
	now := s.now()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, countKey("10m", req.AccountID))
		p.Expire(ctx, countKey("10m", req.AccountID), 10*time.Minute)
		p.Incr(ctx, countKey("1h", req.AccountID))
		p.Expire(ctx, countKey("1h", req.AccountID), time.Hour)
		// member carries a nanosecond suffix so equal amounts do not collapse
		p.ZAdd(ctx, amountKey(req.AccountID), &redis.Z{
			Score:  float64(now.Unix()),
			Member: fmt.Sprintf("%.2f:%d", req.Amount, now.UnixNano()),
		})
		p.Expire(ctx, amountKey(req.AccountID), time.Hour)
		if req.DestinationAccount != "" {
			p.SAdd(ctx, recipientsKey(req.AccountID), req.DestinationAccount)
			p.Expire(ctx, recipientsKey(req.AccountID), time.Hour)
		}
		return nil
	})
	return err
}

func memberAmount(m string) float64 {
	for i := 0; i < len(m); i++ {
		if m[i] == ':' {
			m = m[:i]
			break
		}
	}
	v, _ := strconv.ParseFloat(m, 64)
	return v
}
