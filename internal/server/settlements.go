package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/pkg/db/pagination"
)

const monthLayout = "2006-01"

func (s *Server) EstimateSettlement(c *gin.Context) {
	var query struct {
		PayeeType string `form:"payee_type"`
		PayeeID   string `form:"payee_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payeeType, err := parsePayeeType(query.PayeeType)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	payeeID, err := parseRequiredSnowflakeID("payee_id", query.PayeeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	estimate, err := s.settlementSvc.Estimate(c.Request.Context(), payeeType, payeeID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": estimate})
}

func (s *Server) ListSettlements(c *gin.Context) {
	var query struct {
		pagination.Pagination
		PayeeType string `form:"payee_type"`
		PayeeID   string `form:"payee_id"`
		Status    string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := settlementdomain.ListRequest{Pagination: query.Pagination}
	if strings.TrimSpace(query.PayeeType) != "" {
		payeeType, err := parsePayeeType(query.PayeeType)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		req.PayeeType = payeeType
	}
	payeeID, err := parseOptionalSnowflakeID(query.PayeeID)
	if err != nil {
		AbortWithError(c, newValidationError("payee_id", "invalid_payee_id", "invalid payee_id"))
		return
	}
	if payeeID != nil {
		req.PayeeID = *payeeID
	}
	if status := strings.ToUpper(strings.TrimSpace(query.Status)); status != "" {
		req.Status = settlementdomain.SettlementStatus(status)
		if !isKnownSettlementStatus(req.Status) {
			AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
			return
		}
	}

	resp, err := s.settlementSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Settlements,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetSettlement(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.settlementSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

func (s *Server) ListSettlementItems(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.settlementSvc.Items(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) DownloadSettlementStatement(c *gin.Context) {
	if s.statements == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	settlement, err := s.settlementSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.settlementSvc.Items(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body, err := s.statements.Render(ctx, *settlement, items)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := fmt.Sprintf("settlement-%s-%s.pdf", settlement.ID.String(), settlement.PeriodStart.UTC().Format(monthLayout))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/pdf", body)
}

type submitPayoutRequest struct {
	PayoutReference string `json:"payout_reference"`
}

func (s *Server) SubmitSettlementPayout(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req submitPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settlement, err := s.settlementSvc.SubmitPayout(c.Request.Context(), id, strings.TrimSpace(req.PayoutReference))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

func (s *Server) ConfirmSettlementPayout(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.settlementSvc.ConfirmPayout(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

type settlementReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FailSettlementPayout(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req settlementReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settlement, err := s.settlementSvc.FailPayout(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

func (s *Server) CancelSettlement(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req settlementReasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	settlement, err := s.settlementSvc.Cancel(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

type runSettlementRequest struct {
	// Month is YYYY-MM. PeriodStart/PeriodEnd override it; both empty means the previous month.
	Month       string `json:"month"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	PayeeType   string `json:"payee_type"`
	PayeeID     string `json:"payee_id"`
}

// RunSettlements settles one payee when payee_type and payee_id are given,
// otherwise every payee with activity in the period.
func (s *Server) RunSettlements(c *gin.Context) {
	var req runSettlementRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	start, end, err := s.resolveSettlementPeriod(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if strings.TrimSpace(req.PayeeType) != "" || strings.TrimSpace(req.PayeeID) != "" {
		payeeType, err := parsePayeeType(req.PayeeType)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		payeeID, err := parseRequiredSnowflakeID("payee_id", req.PayeeID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		settlement, err := s.settlementSvc.Run(ctx, payeeType, payeeID, start, end)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": settlement})
		return
	}

	result, err := s.settlementSvc.RunPeriod(ctx, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) resolveSettlementPeriod(req runSettlementRequest) (time.Time, time.Time, error) {
	if strings.TrimSpace(req.PeriodStart) != "" || strings.TrimSpace(req.PeriodEnd) != "" {
		start, err := parseOptionalTime(req.PeriodStart, false)
		if err != nil || start == nil {
			return time.Time{}, time.Time{}, newValidationError("period_start", "invalid_period_start", "invalid period_start")
		}
		end, err := parseOptionalTime(req.PeriodEnd, false)
		if err != nil || end == nil {
			return time.Time{}, time.Time{}, newValidationError("period_end", "invalid_period_end", "invalid period_end")
		}
		return start.UTC(), end.UTC(), nil
	}

	if month := strings.TrimSpace(req.Month); month != "" {
		parsed, err := time.Parse(monthLayout, month)
		if err != nil {
			return time.Time{}, time.Time{}, newValidationError("month", "invalid_month", "month must be YYYY-MM")
		}
		start, end := settlementdomain.MonthPeriod(parsed)
		return start, end, nil
	}

	start, end := settlementdomain.PreviousMonthPeriod(s.clock.Now())
	return start, end, nil
}

type verifierPayoutRequest struct {
	VerifierID string `json:"verifier_id"`
	SourceRef  string `json:"source_ref"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	EarnedAt   string `json:"earned_at"`
}

// RecordVerifierPayout answers 201 for a new earning and 200 when source_ref was already recorded.
func (s *Server) RecordVerifierPayout(c *gin.Context) {
	var req verifierPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	verifierID, err := parseRequiredSnowflakeID("verifier_id", req.VerifierID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	earnedAt, err := parseOptionalTime(req.EarnedAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("earned_at", "invalid_earned_at", "invalid earned_at"))
		return
	}
	if earnedAt == nil {
		now := s.clock.Now()
		earnedAt = &now
	}

	payout, created, err := s.settlementSvc.RecordVerifierPayout(c.Request.Context(), settlementdomain.RecordVerifierPayoutRequest{
		VerifierID: verifierID,
		SourceRef:  strings.TrimSpace(req.SourceRef),
		Amount:     req.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		EarnedAt:   earnedAt.UTC(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": payout})
}

func parsePayeeType(value string) (settlementdomain.PayeeType, error) {
	payeeType := settlementdomain.PayeeType(strings.ToLower(strings.TrimSpace(value)))
	if !payeeType.Valid() {
		return "", settlementdomain.ErrInvalidPayeeType
	}
	return payeeType, nil
}

func isKnownSettlementStatus(status settlementdomain.SettlementStatus) bool {
	switch status {
	case settlementdomain.StatusPending,
		settlementdomain.StatusProcessing,
		settlementdomain.StatusPaid,
		settlementdomain.StatusFailed,
		settlementdomain.StatusCancelled:
		return true
	default:
		return false
	}
}
