package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	userHeader        = "X-User-ID"
)

var errUserMissing = apperr.New(apperr.KindClientInput, "user_id_missing", "X-User-ID header missing or invalid")

// Service is what the handlers call.
type Service interface {
	Transfer(ctx context.Context, req service.TransferRequest) (*service.TransferResult, error)
	Reverse(ctx context.Context, ref string, userID uint64, reason string) (*service.TransferResult, error)
	GetTransaction(ctx context.Context, ref string) (*model.Transaction, error)
	GetBalance(ctx context.Context, accountNumber string) (decimal.Decimal, error)
	Ledger(ctx context.Context, accountNumber string, limit, offset int) ([]model.LedgerEntry, error)
}

func RegisterHandlers(r gin.IRouter, svc Service, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/transfers", transferHandler(svc, log))
		v1.GET("/transactions/:ref", transactionHandler(svc, log))
		v1.POST("/transactions/:ref/reversal", reversalHandler(svc, log))
		v1.GET("/accounts/:number/balance", balanceHandler(svc, log))
		v1.GET("/accounts/:number/ledger", ledgerHandler(svc, log))
	}
}

type transferReq struct {
	SourceAccountNumber      string          `json:"source_account_number" binding:"required"`
	DestinationAccountNumber string          `json:"destination_account_number" binding:"required"`
	Amount                   decimal.Decimal `json:"amount"`
	TransactionType          string          `json:"transaction_type" binding:"required"`
	Description              string          `json:"description"`
}

func transferHandler(svc Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// the key is checked before anything else about the request
		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			writeError(c, log, apperr.ErrIdempotencyKeyMissing)
			return
		}
		userID, ok := userFrom(c)
		if !ok {
			writeError(c, log, errUserMissing)
			return
		}
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), nil))
			return
		}
		res, err := svc.Transfer(c.Request.Context(), service.TransferRequest{
			IdempotencyKey:           key,
			SourceAccountNumber:      req.SourceAccountNumber,
			DestinationAccountNumber: req.DestinationAccountNumber,
			Amount:                   req.Amount,
			Type:                     model.TransactionType(req.TransactionType),
			Description:              req.Description,
			UserID:                   userID,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		if res.Replayed {
			c.Header("Idempotent-Replayed", "true")
		}
		c.JSON(http.StatusOK, res)
	}
}

type reversalReq struct {
	Reason string `json:"reason"`
}

func reversalHandler(svc Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userFrom(c)
		if !ok {
			writeError(c, log, errUserMissing)
			return
		}
		var req reversalReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), nil))
				return
			}
		}
		res, err := svc.Reverse(c.Request.Context(), c.Param("ref"), userID, req.Reason)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type transactionView struct {
	ID                       uint64                  `json:"transaction_id"`
	Ref                      string                  `json:"transaction_reference"`
	Type                     model.TransactionType   `json:"transaction_type"`
	Status                   model.TransactionStatus `json:"status"`
	Amount                   string                  `json:"amount"`
	Fee                      string                  `json:"fee"`
	Currency                 string                  `json:"currency"`
	SourceBalanceBefore      *string                 `json:"source_balance_before,omitempty"`
	SourceBalanceAfter       *string                 `json:"source_balance_after,omitempty"`
	DestinationBalanceBefore *string                 `json:"destination_balance_before,omitempty"`
	DestinationBalanceAfter  *string                 `json:"destination_balance_after,omitempty"`
	ReversedTransactionID    *uint64                 `json:"reversed_transaction_id,omitempty"`
	RetryCount               int                     `json:"retry_count"`
	LastError                string                  `json:"last_error,omitempty"`
	FraudCheckNote           string                  `json:"fraud_check_note,omitempty"`
	CreatedAt                time.Time               `json:"created_at"`
	CompletedAt              *time.Time              `json:"completed_at,omitempty"`
}

func viewOf(t *model.Transaction) transactionView {
	return transactionView{
		ID:                       t.ID,
		Ref:                      t.TransactionRef,
		Type:                     t.Type,
		Status:                   t.Status,
		Amount:                   t.Amount.StringFixed(2),
		Fee:                      t.Fee.StringFixed(2),
		Currency:                 t.Currency,
		SourceBalanceBefore:      money(t.SourceBalanceBefore),
		SourceBalanceAfter:       money(t.SourceBalanceAfter),
		DestinationBalanceBefore: money(t.DestinationBalanceBefore),
		DestinationBalanceAfter:  money(t.DestinationBalanceAfter),
		ReversedTransactionID:    t.ReversedTransactionID,
		RetryCount:               t.RetryCount,
		LastError:                t.LastError,
		FraudCheckNote:           t.FraudNote,
		CreatedAt:                t.CreatedAt,
		CompletedAt:              t.CompletedAt,
	}
}

func money(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.StringFixed(2)
	return &s
}

func transactionHandler(svc Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransaction(c.Request.Context(), c.Param("ref"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(t))
	}
}

func balanceHandler(svc Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		number := c.Param("number")
		bal, err := svc.GetBalance(c.Request.Context(), number)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_number": number, "balance": bal.StringFixed(2)})
	}
}

type entryView struct {
	ID            uint64          `json:"id"`
	TransactionID uint64          `json:"transaction_id"`
	EntryType     model.EntryType `json:"entry_type"`
	Amount        string          `json:"amount"`
	BalanceAfter  string          `json:"balance_after"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

func ledgerHandler(svc Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		entries, err := svc.Ledger(c.Request.Context(), c.Param("number"), limit, offset)
		if err != nil {
			writeError(c, log, err)
			return
		}
		out := make([]entryView, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryView{
				ID:            e.ID,
				TransactionID: e.TransactionID,
				EntryType:     e.EntryType,
				Amount:        e.Amount.StringFixed(2),
				BalanceAfter:  e.BalanceAfter.StringFixed(2),
				Description:   e.Description,
				CreatedAt:     e.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"entries": out, "limit": limit, "offset": offset})
	}
}

func userFrom(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.GetHeader(userHeader), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// writeError maps classified errors to their status. Anything else,
// invariant violations included, is a bare 500.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindInvariant && ae.Kind != apperr.KindUnknown {
		c.JSON(ae.Kind.HTTPStatus(), errorBody(ae.Code, ae.Message, ae.Details))
		return
	}
	log.Errorw("request failed", "path", c.Request.URL.Path, "request_id", c.GetString("request_id"), "error", err)
	c.JSON(http.StatusInternalServerError, errorBody("internal_error", "internal error", nil))
}

func errorBody(code, msg string, details map[string]string) gin.H {
	body := gin.H{"code": code, "message": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	return gin.H{"error": body}
}
