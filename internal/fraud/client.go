package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/richardliu001/bank-core/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Recorder receives fraud gate telemetry.
type Recorder interface {
	FraudCheckFailed(txType, reason string)
	FraudCheckObserved(d time.Duration, riskScore int)
}

type Options struct {
	URL     string
	Timeout time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client calls the scoring service behind a circuit breaker.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	rec     Recorder
	log     *zap.SugaredLogger
}

func NewClient(opts Options, httpClient *http.Client, rec Recorder, log *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 100 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	c := &Client{url: opts.URL, timeout: opts.Timeout, http: httpClient, rec: rec, log: log}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fraud-service",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// a caller giving up says nothing about the scoring service
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Check asks the scoring service for a decision and never returns an error.
//
// Fail-open policy: if the service times out, is unreachable, answers with
// something unusable, or the breaker is open, the outcome is unchecked and
// the transfer goes ahead. The miss is counted and logged.
func (c *Client) Check(ctx context.Context, req CheckRequest) Outcome {
	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, req)
	})
	latency := time.Since(start)
	if err != nil {
		return c.failOpen(req, classify(err), err, latency)
	}
	resp := res.(*CheckResponse)
	if c.rec != nil {
		c.rec.FraudCheckObserved(latency, resp.RiskScore)
	}
	return Outcome{
		Checked:   true,
		Decision:  resp.Decision,
		Reason:    resp.Reason,
		RiskScore: resp.RiskScore,
		Flags:     resp.Flags,
		Latency:   latency,
	}
}

func (c *Client) failOpen(req CheckRequest, reason string, err error, latency time.Duration) Outcome {
	if c.rec != nil {
		c.rec.FraudCheckFailed(req.TransactionType, reason)
	}
	c.log.Warnw("fraud check failed open", "transaction_ref", req.TransactionRef, "reason", reason, "error", err)
	return Outcome{Checked: false, Latency: latency, FailReason: reason, Err: err}
}

func (c *Client) call(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &badResponseError{msg: fmt.Sprintf("fraud service returned %d", resp.StatusCode)}
	}
	var out CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &badResponseError{msg: "decode fraud response: " + err.Error()}
	}
	if out.Decision == "" {
		return nil, &badResponseError{msg: "fraud response without decision"}
	}
	return &out, nil
}

type badResponseError struct{ msg string }

func (e *badResponseError) Error() string { return e.msg }

func classify(err error) string {
	var bad *badResponseError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return FailBreakerOpen
	case errors.Is(err, context.Canceled):
		return FailCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.As(err, &bad):
		return FailBadResponse
	default:
		return FailUnavailable
	}
}

// Blocked reports whether the outcome rejects the transfer.
func (o Outcome) Blocked() bool {
	return o.Checked && o.Decision == model.DecisionBlock
}

// Note is the short text returned to the caller alongside a successful
// transfer, or "" when nothing worth telling happened.
func (o Outcome) Note() string {
	if !o.Checked {
		return "fraud check unavailable, transaction processed without screening"
	}
	switch o.Decision {
	case model.DecisionFlag:
		return "transaction flagged for manual review"
	case model.DecisionChallenge:
		return "additional verification recommended"
	}
	return ""
}
