package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Save(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	return r.find(db.WithContext(ctx), id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	return r.find(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repo) find(stmt *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := stmt.Where("id = ?", id).Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) FindOpenByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []domain.SubscriptionStatus{
			domain.SubscriptionStatusActive,
			domain.SubscriptionStatusPastDue,
		}).
		Order("created_at desc").
		Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) ListDueForRollover(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	stmt := db.WithContext(ctx).
		Where("status = ? AND current_period_end <= ?", domain.SubscriptionStatusActive, now.UTC()).
		Order("current_period_end asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	var items []domain.Subscription
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertChange(ctx context.Context, db *gorm.DB, change *domain.SubscriptionChange) error {
	return db.WithContext(ctx).Create(change).Error
}

func (r *repo) ListChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.SubscriptionChange, error) {
	var items []domain.SubscriptionChange
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("changed_at asc, id asc").
		Find(&items).Error
	return items, err
}

func (r *repo) FindUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *repo) UpdateUserTier(ctx context.Context, db *gorm.DB, userID snowflake.ID, tier domain.Tier, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"subscription_tier": tier, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var plans []domain.Plan
	if err := db.WithContext(ctx).Find(&plans).Error; err != nil {
		return nil, err
	}
	// tiers sort by rank, not alphabetically
	slices.SortFunc(plans, func(a, b domain.Plan) int { return a.Tier.Rank() - b.Tier.Rank() })
	return plans, nil
}

func (r *repo) UpsertPlans(ctx context.Context, db *gorm.DB, plans []domain.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tier"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "currency", "monthly_price", "yearly_price", "features", "updated_at"}),
		}).
		Create(&plans).Error
}
