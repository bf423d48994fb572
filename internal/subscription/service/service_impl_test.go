package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/marketpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/marketpay/internal/audit/service"
	"github.com/smallbiznis/marketpay/internal/clock"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/marketpay/internal/notification/repository"
	notificationservice "github.com/smallbiznis/marketpay/internal/notification/service"
	"github.com/smallbiznis/marketpay/internal/subscription/domain"
	"github.com/smallbiznis/marketpay/internal/subscription/repository"
	"github.com/smallbiznis/marketpay/internal/subscription/service"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (nopPublisher) Close() error                                  { return nil }

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t,
		&domain.Subscription{},
		&domain.SubscriptionChange{},
		&domain.User{},
		&domain.Plan{},
		&auditdomain.AuditLog{},
		&notificationdomain.OutboxMessage{},
	)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(april)

	plans := []domain.Plan{
		{Tier: domain.TierFree, Name: "Free"},
		{Tier: domain.TierBasic, Name: "Basic", MonthlyPrice: 19900, YearlyPrice: 199000},
		{Tier: domain.TierPro, Name: "Pro", MonthlyPrice: 29900, YearlyPrice: 299000},
		{Tier: domain.TierEnterprise, Name: "Enterprise", MonthlyPrice: 99000, YearlyPrice: 990000},
	}
	for i := range plans {
		plans[i].ID = node.Generate()
		plans[i].Currency = "KRW"
		plans[i].CreatedAt = april
		plans[i].UpdatedAt = april
	}
	require.NoError(t, repository.Provide().UpsertPlans(context.Background(), db, plans))

	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
		AuditSvc: auditservice.NewService(auditservice.Params{
			DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepo.Provide(),
		}),
		Outbox: notificationservice.NewService(notificationservice.Params{
			DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
			Repo: notificationrepo.Provide(), Publisher: nopPublisher{},
		}),
	})
	return &fixture{svc: svc, db: db, clock: clk, node: node}
}

func (f *fixture) user(t *testing.T, email string) domain.User {
	t.Helper()
	user := domain.User{
		ID: f.node.Generate(), Email: email, SubscriptionTier: domain.TierFree,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&user).Error)
	return user
}

func (f *fixture) subscribe(t *testing.T, email string, tier domain.Tier) *domain.Subscription {
	t.Helper()
	user := f.user(t, email)
	subscription, err := f.svc.Subscribe(context.Background(), domain.SubscribeRequest{
		UserID: user.ID, Tier: tier, Interval: domain.IntervalMonthly,
	})
	require.NoError(t, err)
	return subscription
}

func (f *fixture) userTier(t *testing.T, id snowflake.ID) domain.Tier {
	t.Helper()
	var user domain.User
	require.NoError(t, f.db.First(&user, "id = ?", id).Error)
	return user.SubscriptionTier
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	stmt := f.db.Model(model)
	if query != "" {
		stmt = stmt.Where(query, args...)
	}
	require.NoError(t, stmt.Count(&n).Error)
	return n
}

func TestCalculateProrationUpgradeMidCycle(t *testing.T) {
	f := newFixture(t)

	quote, err := f.svc.CalculateProration(context.Background(), domain.ProrationRequest{
		FromTier:    domain.TierBasic,
		ToTier:      domain.TierPro,
		Interval:    domain.IntervalMonthly,
		ChangeDate:  time.Date(2026, 4, 16, 10, 30, 0, 0, time.UTC),
		PeriodStart: april,
		PeriodEnd:   may,
	})
	require.NoError(t, err)
	require.Equal(t, int64(15), quote.RemainingDays)
	require.Equal(t, int64(30), quote.TotalDays)
	require.Equal(t, int64(9950), quote.CreditsApplied)
	require.Equal(t, int64(5000), quote.ImmediateCharge)
	require.Equal(t, int64(29900), quote.NextBillingAmount)
	require.True(t, quote.NextBillingDate.Equal(may))
}

func TestCalculateProrationDowngradeNeverRefunds(t *testing.T) {
	f := newFixture(t)

	quote, err := f.svc.CalculateProration(context.Background(), domain.ProrationRequest{
		FromTier:    domain.TierPro,
		ToTier:      domain.TierBasic,
		Interval:    domain.IntervalMonthly,
		ChangeDate:  time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC),
		PeriodStart: april,
		PeriodEnd:   may,
	})
	require.NoError(t, err)
	require.Equal(t, int64(14950), quote.CreditsApplied)
	require.Zero(t, quote.ImmediateCharge)
	require.Equal(t, int64(19900), quote.NextBillingAmount)
}

func TestCalculateProrationYearlyUsesYearlyPrice(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	quote, err := f.svc.CalculateProration(context.Background(), domain.ProrationRequest{
		FromTier:    domain.TierFree,
		ToTier:      domain.TierPro,
		Interval:    domain.IntervalYearly,
		ChangeDate:  start,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(1, 0, 0),
	})
	require.NoError(t, err)
	require.Equal(t, int64(365), quote.RemainingDays)
	require.Zero(t, quote.CreditsApplied)
	require.Equal(t, int64(299000), quote.ImmediateCharge)
}

func TestCalculateProrationRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CalculateProration(ctx, domain.ProrationRequest{
		FromTier: "GOLD", ToTier: domain.TierPro, Interval: domain.IntervalMonthly,
		PeriodStart: april, PeriodEnd: may,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTier)

	_, err = f.svc.CalculateProration(ctx, domain.ProrationRequest{
		FromTier: domain.TierBasic, ToTier: domain.TierPro, Interval: "WEEKLY",
		PeriodStart: april, PeriodEnd: may,
	})
	require.ErrorIs(t, err, domain.ErrInvalidInterval)

	_, err = f.svc.CalculateProration(ctx, domain.ProrationRequest{
		FromTier: domain.TierBasic, ToTier: domain.TierPro, Interval: domain.IntervalMonthly,
		PeriodStart: may, PeriodEnd: april,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subscription := f.subscribe(t, "reader@example.com", domain.TierBasic)
	require.Equal(t, domain.SubscriptionStatusActive, subscription.Status)
	require.True(t, subscription.CurrentPeriodStart.Equal(april))
	require.True(t, subscription.CurrentPeriodEnd.Equal(may))
	require.Equal(t, domain.TierBasic, f.userTier(t, subscription.UserID))

	_, err := f.svc.Subscribe(ctx, domain.SubscribeRequest{
		UserID: subscription.UserID, Tier: domain.TierPro, Interval: domain.IntervalMonthly,
	})
	require.ErrorIs(t, err, domain.ErrAlreadySubscribed)

	_, err = f.svc.Subscribe(ctx, domain.SubscribeRequest{
		UserID: f.node.Generate(), Tier: domain.TierPro, Interval: domain.IntervalMonthly,
	})
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	other := f.user(t, "free@example.com")
	_, err = f.svc.Subscribe(ctx, domain.SubscribeRequest{
		UserID: other.ID, Tier: domain.TierFree, Interval: domain.IntervalMonthly,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTier)
}

func TestChangePlanAppliesQuoteAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subscription := f.subscribe(t, "reader@example.com", domain.TierBasic)

	f.clock.Set(time.Date(2026, 4, 16, 9, 0, 0, 0, time.UTC))
	resp, err := f.svc.ChangePlan(ctx, domain.ChangePlanRequest{
		SubscriptionID: subscription.ID, NewTier: domain.TierPro,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, resp.Subscription.Tier)
	require.Equal(t, int64(9950), resp.Quote.CreditsApplied)
	require.Equal(t, int64(5000), resp.Quote.ImmediateCharge)
	require.Equal(t, int64(29900), resp.Quote.NextBillingAmount)

	require.Equal(t, domain.TierPro, f.userTier(t, subscription.UserID))
	changes, err := f.svc.Changes(ctx, subscription.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, domain.TierBasic, changes[0].FromTier)
	require.Equal(t, domain.TierPro, changes[0].ToTier)
	require.Equal(t, int64(5000), changes[0].ImmediateCharge)

	require.Equal(t, int64(2), f.count(t, &notificationdomain.OutboxMessage{},
		"topic = ?", notificationdomain.TopicSubscriptionChanged))
	require.Equal(t, int64(1), f.count(t, &auditdomain.AuditLog{},
		"action = ?", "subscription.plan_changed"))
}

func TestChangePlanRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subscription := f.subscribe(t, "reader@example.com", domain.TierBasic)

	_, err := f.svc.ChangePlan(ctx, domain.ChangePlanRequest{SubscriptionID: subscription.ID, NewTier: domain.TierBasic})
	require.ErrorIs(t, err, domain.ErrSameTier)

	_, err = f.svc.ChangePlan(ctx, domain.ChangePlanRequest{SubscriptionID: subscription.ID, NewTier: domain.TierFree})
	require.ErrorIs(t, err, domain.ErrInvalidTier)

	_, err = f.svc.ChangePlan(ctx, domain.ChangePlanRequest{SubscriptionID: f.node.Generate(), NewTier: domain.TierPro})
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	require.Zero(t, f.count(t, &domain.SubscriptionChange{}, ""))
	require.Equal(t, domain.TierBasic, f.userTier(t, subscription.UserID))
}

func TestCancelAtPeriodEndKeepsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subscription := f.subscribe(t, "reader@example.com", domain.TierPro)

	cancelled, err := f.svc.Cancel(ctx, subscription.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusActive, cancelled.Status)
	require.True(t, cancelled.CancelAtPeriodEnd)
	require.Nil(t, cancelled.CancelledAt)
	require.Equal(t, domain.TierPro, f.userTier(t, subscription.UserID))

	reactivated, err := f.svc.Reactivate(ctx, subscription.ID)
	require.NoError(t, err)
	require.False(t, reactivated.CancelAtPeriodEnd)
	require.Equal(t, domain.SubscriptionStatusActive, reactivated.Status)
}

func TestCancelImmediatelyDropsToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subscription := f.subscribe(t, "reader@example.com", domain.TierPro)

	f.clock.Advance(72 * time.Hour)
	cancelled, err := f.svc.Cancel(ctx, subscription.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.True(t, cancelled.CancelledAt.Equal(april.Add(72*time.Hour)))
	require.Equal(t, domain.TierFree, f.userTier(t, subscription.UserID))
	require.Equal(t, int64(1), f.count(t, &notificationdomain.OutboxMessage{},
		"topic = ?", notificationdomain.TopicSubscriptionCancelled))

	again, err := f.svc.Cancel(ctx, subscription.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, again.Status)
	require.True(t, again.CancelledAt.Equal(*cancelled.CancelledAt))
	again, err = f.svc.Cancel(ctx, subscription.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, again.Status)
	require.Equal(t, int64(1), f.count(t, &notificationdomain.OutboxMessage{},
		"topic = ?", notificationdomain.TopicSubscriptionCancelled))
	require.Equal(t, int64(1), f.count(t, &auditdomain.AuditLog{}, "action = ?", "subscription.cancelled"))

	_, err = f.svc.Reactivate(ctx, subscription.ID)
	require.ErrorIs(t, err, domain.ErrSubscriptionCancelled)
	_, err = f.svc.ChangePlan(ctx, domain.ChangePlanRequest{SubscriptionID: subscription.ID, NewTier: domain.TierEnterprise})
	require.ErrorIs(t, err, domain.ErrSubscriptionCancelled)

	// a cancelled user can subscribe again
	_, err = f.svc.Subscribe(ctx, domain.SubscribeRequest{
		UserID: subscription.UserID, Tier: domain.TierBasic, Interval: domain.IntervalMonthly,
	})
	require.NoError(t, err)
}

func TestRolloverRenewsAndExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	renewing := f.subscribe(t, "renew@example.com", domain.TierBasic)
	expiring := f.subscribe(t, "expire@example.com", domain.TierPro)
	_, err := f.svc.Cancel(ctx, expiring.ID, false)
	require.NoError(t, err)

	result, err := f.svc.Rollover(ctx, april.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Zero(t, result.Renewed+result.Cancelled)

	now := may.Add(6 * time.Hour)
	f.clock.Set(now)
	result, err = f.svc.Rollover(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Renewed)
	require.Equal(t, 1, result.Cancelled)
	require.Zero(t, result.Failed)

	renewed, err := f.svc.Get(ctx, renewing.ID)
	require.NoError(t, err)
	require.True(t, renewed.CurrentPeriodStart.Equal(may))
	require.True(t, renewed.CurrentPeriodEnd.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, domain.TierBasic, f.userTier(t, renewing.UserID))

	expired, err := f.svc.Get(ctx, expiring.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, expired.Status)
	require.True(t, expired.CancelledAt.Equal(may))
	require.Equal(t, domain.TierFree, f.userTier(t, expiring.UserID))

	result, err = f.svc.Rollover(ctx, now)
	require.NoError(t, err)
	require.Zero(t, result.Renewed+result.Cancelled)
}

func TestPlansAreCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plans, err := f.svc.Plans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 4)
	require.Equal(t, domain.TierFree, plans[0].Tier)
	require.Equal(t, domain.TierEnterprise, plans[3].Tier)

	require.NoError(t, f.db.Where("1 = 1").Delete(&domain.Plan{}).Error)
	plans, err = f.svc.Plans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 4)
}

func TestRolloverKeepsMonthEndAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jan31 := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	f.clock.Set(jan31)
	subscription := f.subscribe(t, "monthend@example.com", domain.TierBasic)
	feb28 := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	require.True(t, subscription.CurrentPeriodEnd.Equal(feb28))

	now := feb28.Add(time.Hour)
	f.clock.Set(now)
	result, err := f.svc.Rollover(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Renewed)

	renewed, err := f.svc.Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.True(t, renewed.CurrentPeriodStart.Equal(feb28))
	require.True(t, renewed.CurrentPeriodEnd.Equal(time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)))

	// a rollover that slept through two boundaries still lands on the anchor day
	now = time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	f.clock.Set(now)
	_, err = f.svc.Rollover(ctx, now)
	require.NoError(t, err)
	renewed, err = f.svc.Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.True(t, renewed.CurrentPeriodStart.Equal(time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)))
	require.True(t, renewed.CurrentPeriodEnd.Equal(time.Date(2026, 5, 31, 10, 0, 0, 0, time.UTC)))
}
