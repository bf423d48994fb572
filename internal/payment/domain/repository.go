package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository methods take the handle to run on so callers can share a
// transaction. forUpdate adds a row lock where the dialect supports it.
type Repository interface {
	CreateOrder(ctx context.Context, db *gorm.DB, order *Order) error
	SaveOrder(ctx context.Context, db *gorm.DB, order *Order) error
	FindOrder(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Order, error)

	CreatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	SavePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Payment, error)
	FindPaymentByProviderID(ctx context.Context, db *gorm.DB, provider, providerPaymentID string, forUpdate bool) (*Payment, error)
	FindPaymentByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID, forUpdate bool) (*Payment, error)

	CreateRefund(ctx context.Context, db *gorm.DB, refund *Refund) error
	SaveRefund(ctx context.Context, db *gorm.DB, refund *Refund) error
	FindRefund(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Refund, error)
	FindRefundByProviderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, providerRefundID string) (*Refund, error)
	FindOpenRefund(ctx context.Context, db *gorm.DB, orderID snowflake.ID, amount int64) (*Refund, error)
	ListOpenRefunds(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Refund, error)
	SumOpenRefunds(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (int64, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID *snowflake.ID, result datatypes.JSONMap, processedAt time.Time) error
}
