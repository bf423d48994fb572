package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Save(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindOpenByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	// ListDueForRollover returns ACTIVE subscriptions whose period ended at or before now.
	ListDueForRollover(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)

	InsertChange(ctx context.Context, db *gorm.DB, change *SubscriptionChange) error
	ListChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]SubscriptionChange, error)

	FindUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	UpdateUserTier(ctx context.Context, db *gorm.DB, userID snowflake.ID, tier Tier, now time.Time) error

	ListPlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
	UpsertPlans(ctx context.Context, db *gorm.DB, plans []Plan) error
}
