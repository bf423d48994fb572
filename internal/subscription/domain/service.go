package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ProrationRequest struct {
	FromTier    Tier      `form:"from_tier" json:"from_tier"`
	ToTier      Tier      `form:"to_tier" json:"to_tier"`
	Interval    Interval  `form:"interval" json:"interval"`
	ChangeDate  time.Time `form:"change_date" json:"change_date"`
	PeriodStart time.Time `form:"period_start" json:"period_start"`
	PeriodEnd   time.Time `form:"period_end" json:"period_end"`
}

type SubscribeRequest struct {
	UserID   snowflake.ID `json:"user_id"`
	Tier     Tier         `json:"tier"`
	Interval Interval     `json:"interval"`
}

type ChangePlanRequest struct {
	SubscriptionID snowflake.ID `json:"subscription_id"`
	NewTier        Tier         `json:"new_tier"`
}

type ChangePlanResponse struct {
	Subscription Subscription   `json:"subscription"`
	Quote        ProrationQuote `json:"quote"`
}

// RolloverResult summarizes one period rollover sweep.
type RolloverResult struct {
	Renewed   int `json:"renewed"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

//go:generate mockgen -destination=../mocks/mock_service.go -package=mocks github.com/smallbiznis/marketpay/internal/subscription/domain Service
type Service interface {
	Plans(ctx context.Context) ([]Plan, error)
	CalculateProration(ctx context.Context, req ProrationRequest) (ProrationQuote, error)
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Changes(ctx context.Context, id snowflake.ID) ([]SubscriptionChange, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (ChangePlanResponse, error)
	Cancel(ctx context.Context, id snowflake.ID, immediate bool) (*Subscription, error)
	Reactivate(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Rollover(ctx context.Context, now time.Time) (RolloverResult, error)
}

var (
	ErrInvalidTier               = errors.New("invalid_tier")
	ErrInvalidInterval           = errors.New("invalid_interval")
	ErrInvalidPeriod             = errors.New("invalid_period")
	ErrInvalidUser               = errors.New("invalid_user")
	ErrSameTier                  = errors.New("same_tier")
	ErrPlanNotFound              = errors.New("plan_not_found")
	ErrUserNotFound              = errors.New("user_not_found")
	ErrAlreadySubscribed         = errors.New("already_subscribed")
	ErrSubscriptionNotFound      = errors.New("subscription_not_found")
	ErrSubscriptionCancelled     = errors.New("subscription_cancelled")
	ErrInvalidSubscriptionStatus = errors.New("invalid_subscription_status")
)
