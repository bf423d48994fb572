package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
)

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.subscriptionSvc.Plans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

// CalculateProration quotes a tier change without applying it. change_date defaults to now.
// With subscription_id the current tier, interval and period come from that
// subscription; explicit query values still win.
func (s *Server) CalculateProration(c *gin.Context) {
	var query struct {
		SubscriptionID string `form:"subscription_id"`
		FromTier       string `form:"from_tier"`
		ToTier         string `form:"to_tier"`
		Interval       string `form:"interval"`
		ChangeDate     string `form:"change_date"`
		PeriodStart    string `form:"period_start"`
		PeriodEnd      string `form:"period_end"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := parseOptionalSnowflakeID(query.SubscriptionID)
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription_id"))
		return
	}
	changeDate, err := parseOptionalTime(query.ChangeDate, false)
	if err != nil {
		AbortWithError(c, newValidationError("change_date", "invalid_change_date", "invalid change_date"))
		return
	}
	periodStart, err := parseOptionalTime(query.PeriodStart, false)
	if err != nil {
		AbortWithError(c, newValidationError("period_start", "invalid_period_start", "invalid period_start"))
		return
	}
	periodEnd, err := parseOptionalTime(query.PeriodEnd, false)
	if err != nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "invalid period_end"))
		return
	}

	req := subscriptiondomain.ProrationRequest{
		FromTier: parseTier(query.FromTier),
		ToTier:   parseTier(query.ToTier),
		Interval: parseInterval(query.Interval),
	}
	if subscriptionID != nil {
		sub, err := s.subscriptionSvc.Get(c.Request.Context(), *subscriptionID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			AbortWithError(c, subscriptiondomain.ErrSubscriptionCancelled)
			return
		}
		if strings.TrimSpace(query.FromTier) == "" {
			req.FromTier = sub.Tier
		}
		if strings.TrimSpace(query.Interval) == "" {
			req.Interval = sub.Interval
		}
		if periodStart == nil {
			periodStart = &sub.CurrentPeriodStart
		}
		if periodEnd == nil {
			periodEnd = &sub.CurrentPeriodEnd
		}
	}
	if periodStart == nil {
		AbortWithError(c, newValidationError("period_start", "invalid_period_start", "invalid period_start"))
		return
	}
	if periodEnd == nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "invalid period_end"))
		return
	}
	req.PeriodStart = *periodStart
	req.PeriodEnd = *periodEnd
	if changeDate != nil {
		req.ChangeDate = *changeDate
	}

	quote, err := s.subscriptionSvc.CalculateProration(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}

type subscribeRequest struct {
	UserID   string `json:"user_id"`
	Tier     string `json:"tier"`
	Interval string `json:"interval"`
}

func (s *Server) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := parseRequiredSnowflakeID("user_id", req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Subscribe(c.Request.Context(), subscriptiondomain.SubscribeRequest{
		UserID:   userID,
		Tier:     parseTier(req.Tier),
		Interval: parseInterval(req.Interval),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListSubscriptionChanges(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	changes, err := s.subscriptionSvc.Changes(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": changes})
}

type changePlanRequest struct {
	NewTier string `json:"new_tier"`
}

func (s *Server) ChangeSubscriptionPlan(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), subscriptiondomain.ChangePlanRequest{
		SubscriptionID: id,
		NewTier:        parseTier(req.NewTier),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type cancelSubscriptionRequest struct {
	Immediate bool `json:"immediate"`
}

// CancelSubscription accepts immediate either in the body or as a query flag.
func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelSubscriptionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	immediate, err := parseOptionalBool(c.Query("immediate"))
	if err != nil {
		AbortWithError(c, newValidationError("immediate", "invalid_immediate", "invalid immediate"))
		return
	}
	if immediate != nil {
		req.Immediate = *immediate
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), id, req.Immediate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	id, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Reactivate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func parseTier(value string) subscriptiondomain.Tier {
	return subscriptiondomain.Tier(strings.ToUpper(strings.TrimSpace(value)))
}

func parseInterval(value string) subscriptiondomain.Interval {
	interval := subscriptiondomain.Interval(strings.ToUpper(strings.TrimSpace(value)))
	if interval == "" {
		return subscriptiondomain.IntervalMonthly
	}
	return interval
}
