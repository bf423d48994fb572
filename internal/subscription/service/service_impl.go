package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/cache"
	"github.com/smallbiznis/marketpay/internal/clock"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	planCacheKey      = "plans"
	planCacheTTL      = 5 * time.Minute
	rolloverBatchSize = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	AuditSvc   auditdomain.Service       `optional:"true"`
	Outbox     notificationdomain.Outbox `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	auditSvc   auditdomain.Service
	outbox     notificationdomain.Outbox
	obsMetrics *obsmetrics.Metrics
	plans      cache.Cache[string, []domain.Plan]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
		plans:      cache.NewTTLCache[string, []domain.Plan](),
	}
}

func (s *Service) Plans(ctx context.Context) ([]domain.Plan, error) {
	if plans, ok := s.plans.Get(planCacheKey); ok {
		return plans, nil
	}
	plans, err := s.repo.ListPlans(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		s.plans.Set(planCacheKey, plans, planCacheTTL)
	}
	return plans, nil
}

func (s *Service) plan(ctx context.Context, tier domain.Tier) (domain.Plan, error) {
	plans, err := s.Plans(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	for _, plan := range plans {
		if plan.Tier == tier {
			return plan, nil
		}
	}
	return domain.Plan{}, domain.ErrPlanNotFound
}

func (s *Service) CalculateProration(ctx context.Context, req domain.ProrationRequest) (domain.ProrationQuote, error) {
	if !req.FromTier.Valid() || !req.ToTier.Valid() {
		return domain.ProrationQuote{}, domain.ErrInvalidTier
	}
	if !req.Interval.Valid() {
		return domain.ProrationQuote{}, domain.ErrInvalidInterval
	}
	if req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return domain.ProrationQuote{}, domain.ErrInvalidPeriod
	}
	changeDate := req.ChangeDate
	if changeDate.IsZero() {
		changeDate = s.clock.Now()
	}
	return s.quote(ctx, req.FromTier, req.ToTier, req.Interval, changeDate, req.PeriodStart, req.PeriodEnd)
}

func (s *Service) quote(ctx context.Context, from, to domain.Tier, interval domain.Interval, changeDate, periodStart, periodEnd time.Time) (domain.ProrationQuote, error) {
	oldPlan, err := s.plan(ctx, from)
	if err != nil {
		return domain.ProrationQuote{}, err
	}
	newPlan, err := s.plan(ctx, to)
	if err != nil {
		return domain.ProrationQuote{}, err
	}

	newPrice := newPlan.Price(interval)
	remaining, total, credits, charge := domain.Prorate(oldPlan.Price(interval), newPrice, changeDate, periodStart, periodEnd)
	return domain.ProrationQuote{
		FromTier:          from,
		ToTier:            to,
		Interval:          interval,
		RemainingDays:     remaining,
		TotalDays:         total,
		CreditsApplied:    credits,
		ImmediateCharge:   charge,
		NextBillingAmount: newPrice,
		NextBillingDate:   periodEnd.UTC(),
	}, nil
}

func (s *Service) Subscribe(ctx context.Context, req domain.SubscribeRequest) (*domain.Subscription, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if !req.Tier.Valid() || req.Tier == domain.TierFree {
		return nil, domain.ErrInvalidTier
	}
	if !req.Interval.Valid() {
		return nil, domain.ErrInvalidInterval
	}
	if _, err := s.plan(ctx, req.Tier); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	subscription := &domain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             req.UserID,
		Tier:               req.Tier,
		Interval:           req.Interval,
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   req.Interval.Next(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.repo.FindUser(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.ErrUserNotFound
		}
		open, err := s.repo.FindOpenByUserID(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrAlreadySubscribed
		}
		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.repo.UpdateUserTier(ctx, tx, req.UserID, req.Tier, now); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, auditdomain.ActorTypeUser, "subscription.created", subscription, map[string]any{
			"tier":     string(req.Tier),
			"interval": string(req.Interval),
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, message(notificationdomain.TopicSubscriptionChanged, subscription, map[string]any{
			"from_tier": string(user.SubscriptionTier),
		}))
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSubscription(ctx, "subscribe", string(subscription.Tier))
	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("user_id", subscription.UserID.String()),
		zap.String("tier", string(subscription.Tier)),
	)
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	if id == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) Changes(ctx context.Context, id snowflake.ID) ([]domain.SubscriptionChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListChanges(ctx, s.db, id)
}

func (s *Service) ChangePlan(ctx context.Context, req domain.ChangePlanRequest) (domain.ChangePlanResponse, error) {
	// moving to FREE is a cancellation, not a plan change
	if !req.NewTier.Valid() || req.NewTier == domain.TierFree {
		return domain.ChangePlanResponse{}, domain.ErrInvalidTier
	}

	var (
		subscription *domain.Subscription
		quote        domain.ProrationQuote
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscription, err = s.lock(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}
		switch subscription.Status {
		case domain.SubscriptionStatusActive:
		case domain.SubscriptionStatusCancelled:
			return domain.ErrSubscriptionCancelled
		default:
			return domain.ErrInvalidSubscriptionStatus
		}
		if subscription.Tier == req.NewTier {
			return domain.ErrSameTier
		}

		now := s.clock.Now().UTC()
		quote, err = s.quote(ctx, subscription.Tier, req.NewTier, subscription.Interval,
			now, subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd)
		if err != nil {
			return err
		}

		subscription.Tier = req.NewTier
		subscription.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.repo.InsertChange(ctx, tx, &domain.SubscriptionChange{
			ID:                s.genID.Generate(),
			SubscriptionID:    subscription.ID,
			UserID:            subscription.UserID,
			FromTier:          quote.FromTier,
			ToTier:            quote.ToTier,
			Interval:          quote.Interval,
			CreditsApplied:    quote.CreditsApplied,
			ImmediateCharge:   quote.ImmediateCharge,
			NextBillingAmount: quote.NextBillingAmount,
			NextBillingDate:   quote.NextBillingDate,
			ChangedAt:         now,
		}); err != nil {
			return err
		}
		if err := s.repo.UpdateUserTier(ctx, tx, subscription.UserID, req.NewTier, now); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, auditdomain.ActorTypeUser, "subscription.plan_changed", subscription, map[string]any{
			"from_tier":        string(quote.FromTier),
			"to_tier":          string(quote.ToTier),
			"credits_applied":  quote.CreditsApplied,
			"immediate_charge": quote.ImmediateCharge,
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, message(notificationdomain.TopicSubscriptionChanged, subscription, map[string]any{
			"from_tier":           string(quote.FromTier),
			"immediate_charge":    quote.ImmediateCharge,
			"next_billing_amount": quote.NextBillingAmount,
			"next_billing_date":   quote.NextBillingDate.Format(time.RFC3339),
		}))
	})
	if err != nil {
		return domain.ChangePlanResponse{}, err
	}

	action := "upgrade"
	if quote.ToTier.Rank() < quote.FromTier.Rank() {
		action = "downgrade"
	}
	s.obsMetrics.RecordSubscription(ctx, action, string(quote.ToTier))
	s.log.Info("subscription plan changed",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("from_tier", string(quote.FromTier)),
		zap.String("to_tier", string(quote.ToTier)),
		zap.Int64("immediate_charge", quote.ImmediateCharge),
	)
	return domain.ChangePlanResponse{Subscription: *subscription, Quote: quote}, nil
}

// Cancel ends a subscription now or at period end. Cancelling a subscription
// that is already CANCELLED returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, immediate bool) (*domain.Subscription, error) {
	var (
		subscription *domain.Subscription
		already      bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscription, err = s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status == domain.SubscriptionStatusCancelled {
			already = true
			return nil
		}

		now := s.clock.Now().UTC()
		if immediate {
			return s.terminate(ctx, tx, subscription, now, auditdomain.ActorTypeUser)
		}
		if subscription.CancelAtPeriodEnd {
			return nil
		}
		subscription.CancelAtPeriodEnd = true
		subscription.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, subscription); err != nil {
			return err
		}
		return s.audit(ctx, tx, auditdomain.ActorTypeUser, "subscription.cancel_scheduled", subscription, map[string]any{
			"effective_at": subscription.CurrentPeriodEnd.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}
	if already {
		return subscription, nil
	}

	action := "cancel_at_period_end"
	if immediate {
		action = "cancel"
	}
	s.obsMetrics.RecordSubscription(ctx, action, string(subscription.Tier))
	s.log.Info("subscription cancelled",
		zap.String("subscription_id", subscription.ID.String()),
		zap.Bool("immediate", immediate),
	)
	return subscription, nil
}

func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	var subscription *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscription, err = s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		switch subscription.Status {
		case domain.SubscriptionStatusActive:
		case domain.SubscriptionStatusCancelled:
			return domain.ErrSubscriptionCancelled
		default:
			return domain.ErrInvalidSubscriptionStatus
		}
		if !subscription.CancelAtPeriodEnd {
			return nil
		}
		subscription.CancelAtPeriodEnd = false
		subscription.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.Save(ctx, tx, subscription); err != nil {
			return err
		}
		return s.audit(ctx, tx, auditdomain.ActorTypeUser, "subscription.reactivated", subscription, nil)
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordSubscription(ctx, "reactivate", string(subscription.Tier))
	return subscription, nil
}

// Rollover closes every ACTIVE subscription whose period ended at or before now:
// flagged ones are cancelled, the rest move to their next period.
func (s *Service) Rollover(ctx context.Context, now time.Time) (domain.RolloverResult, error) {
	now = now.UTC()
	var (
		result domain.RolloverResult
		errs   []error
	)
	for {
		due, err := s.repo.ListDueForRollover(ctx, s.db, now, rolloverBatchSize)
		if err != nil {
			return result, err
		}
		failedBefore := result.Failed
		for _, item := range due {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			cancelled, err := s.rollover(ctx, item.ID, now)
			switch {
			case err != nil:
				result.Failed++
				errs = append(errs, err)
				s.log.Warn("subscription rollover failed",
					zap.String("subscription_id", item.ID.String()),
					zap.Error(err),
				)
			case cancelled:
				result.Cancelled++
			default:
				result.Renewed++
			}
		}
		// failed rows stay due; stop instead of spinning on them
		if len(due) < rolloverBatchSize || result.Failed > failedBefore {
			break
		}
	}

	s.log.Info("subscription rollover finished",
		zap.Int("renewed", result.Renewed),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("failed", result.Failed),
	)
	return result, errors.Join(errs...)
}

func (s *Service) rollover(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	var cancelled bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status != domain.SubscriptionStatusActive || subscription.CurrentPeriodEnd.After(now) {
			return nil
		}
		if subscription.CancelAtPeriodEnd {
			cancelled = true
			return s.terminate(ctx, tx, subscription, subscription.CurrentPeriodEnd.UTC(), auditdomain.ActorTypeSystem)
		}

		previousEnd := subscription.CurrentPeriodEnd
		for !subscription.CurrentPeriodEnd.After(now) {
			subscription.CurrentPeriodStart = subscription.CurrentPeriodEnd
			subscription.CurrentPeriodEnd = subscription.Interval.NextAfter(subscription.CreatedAt, subscription.CurrentPeriodEnd)
		}
		subscription.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, subscription); err != nil {
			return err
		}
		return s.audit(ctx, tx, auditdomain.ActorTypeSystem, "subscription.renewed", subscription, map[string]any{
			"previous_period_end": previousEnd.UTC().Format(time.RFC3339),
			"period_end":          subscription.CurrentPeriodEnd.UTC().Format(time.RFC3339),
		})
	})
	if err == nil {
		action := "renew"
		if cancelled {
			action = "expire"
		}
		s.obsMetrics.RecordSubscription(ctx, action, "")
	}
	return cancelled, err
}

// terminate ends the subscription and drops the user back to FREE.
func (s *Service) terminate(ctx context.Context, tx *gorm.DB, subscription *domain.Subscription, at time.Time, actor auditdomain.ActorType) error {
	now := s.clock.Now().UTC()
	subscription.Status = domain.SubscriptionStatusCancelled
	subscription.CancelAtPeriodEnd = false
	subscription.CancelledAt = &at
	subscription.UpdatedAt = now
	if err := s.repo.Save(ctx, tx, subscription); err != nil {
		return err
	}
	if err := s.repo.UpdateUserTier(ctx, tx, subscription.UserID, domain.TierFree, now); err != nil {
		return err
	}
	if err := s.audit(ctx, tx, actor, "subscription.cancelled", subscription, map[string]any{
		"tier": string(subscription.Tier),
	}); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, message(notificationdomain.TopicSubscriptionCancelled, subscription, map[string]any{
		"cancelled_at": at.Format(time.RFC3339),
	}))
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	if id == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func message(topic string, subscription *domain.Subscription, extra map[string]any) notificationdomain.Message {
	payload := map[string]any{
		"subscription_id": subscription.ID.String(),
		"user_id":         subscription.UserID.String(),
		"tier":            string(subscription.Tier),
		"interval":        string(subscription.Interval),
		"status":          string(subscription.Status),
		"period_end":      subscription.CurrentPeriodEnd.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return notificationdomain.Message{
		Topic:    topic,
		Key:      subscription.ID.String(),
		Audience: notificationdomain.AudienceBuyer,
		Payload:  payload,
	}
}

func (s *Service) enqueue(ctx context.Context, tx *gorm.DB, msgs ...notificationdomain.Message) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, msgs...)
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, actor auditdomain.ActorType, action string, subscription *domain.Subscription, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	id := subscription.ID.String()
	userID := subscription.UserID.String()
	var actorID *string
	if actor == auditdomain.ActorTypeUser {
		actorID = &userID
	}
	return s.auditSvc.AuditLog(ctx, tx, string(actor), actorID, action, "subscription", &id, metadata)
}
