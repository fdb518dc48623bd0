// Package fraud is the client side of the external risk-scoring service.
package fraud

import "time"

// CheckRequest is the wire request of POST /api/v1/fraud/check.
type CheckRequest struct {
	TransactionRef     string  `json:"transaction_ref,omitempty"`
	Amount             float64 `json:"amount"`
	AccountID          string  `json:"account_id"`
	DestinationAccount string  `json:"destination_account"`
	TransactionType    string  `json:"transaction_type"`
	Timestamp          string  `json:"timestamp"`
}

// CheckResponse is the scoring service's verdict.
type CheckResponse struct {
	RiskScore         int            `json:"risk_score"`
	Decision          string         `json:"decision"`
	Confidence        float64        `json:"confidence"`
	Breakdown         map[string]int `json:"breakdown"`
	Flags             []string       `json:"flags"`
	Reason            string         `json:"reason"`
	RecommendedAction string         `json:"recommended_action"`
	ProcessingTime    string         `json:"processing_time_ms"`
}

// Reasons a check can fail open.
const (
	FailTimeout     = "timeout"
	FailBreakerOpen = "breaker_open"
	FailUnavailable = "unavailable"
	FailBadResponse = "bad_response"
	FailCanceled    = "canceled"
)

// Outcome is the result of one gate evaluation. Checked is false when the
// service gave no decision and the transfer proceeds anyway.
type Outcome struct {
	Checked    bool
	Decision   string
	Reason     string
	RiskScore  int
	Flags      []string
	Latency    time.Duration
	FailReason string
	Err        error
}
