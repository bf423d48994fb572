package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func lock(db *gorm.DB, forUpdate bool) *gorm.DB {
	if forUpdate {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (r *repo) CreateOrder(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

func (r *repo) SaveOrder(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Save(order).Error
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Order, error) {
	var order domain.Order
	err := lock(db.WithContext(ctx), forUpdate).Where("id = ?", id).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repo) CreatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) SavePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	var payment domain.Payment
	err := lock(db.WithContext(ctx), forUpdate).Where("id = ?", id).Take(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPaymentByProviderID matches either the intent id issued at checkout or
// the reference the provider assigned when the buyer authorized.
func (r *repo) FindPaymentByProviderID(ctx context.Context, db *gorm.DB, provider, providerPaymentID string, forUpdate bool) (*domain.Payment, error) {
	var payment domain.Payment
	err := lock(db.WithContext(ctx), forUpdate).
		Where("provider = ? AND (provider_payment_id = ? OR provider_reference = ?)", provider, providerPaymentID, providerPaymentID).
		Order("created_at DESC").
		Take(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) FindPaymentByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	var payment domain.Payment
	err := lock(db.WithContext(ctx), forUpdate).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Take(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) CreateRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund) error {
	return db.WithContext(ctx).Create(refund).Error
}

func (r *repo) SaveRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund) error {
	return db.WithContext(ctx).Save(refund).Error
}

func (r *repo) FindRefund(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Refund, error) {
	var refund domain.Refund
	err := db.WithContext(ctx).Where("id = ?", id).Take(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repo) FindRefundByProviderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, providerRefundID string) (*domain.Refund, error) {
	if providerRefundID == "" {
		return nil, nil
	}
	var refund domain.Refund
	err := db.WithContext(ctx).
		Where("order_id = ? AND provider_refund_id = ?", orderID, providerRefundID).
		Take(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// FindOpenRefund returns the oldest in-flight refund for the order, preferring
// one with a matching amount.
func (r *repo) FindOpenRefund(ctx context.Context, db *gorm.DB, orderID snowflake.ID, amount int64) (*domain.Refund, error) {
	refunds, err := r.ListOpenRefunds(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return nil, nil
	}
	for i := range refunds {
		if refunds[i].Amount == amount {
			return &refunds[i], nil
		}
	}
	return &refunds[0], nil
}

// ListOpenRefunds returns the order's in-flight refunds, oldest first.
func (r *repo) ListOpenRefunds(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.Refund, error) {
	var refunds []domain.Refund
	err := db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []domain.RefundStatus{domain.RefundStatusPending, domain.RefundStatusProcessing}).
		Order("created_at ASC, id ASC").
		Find(&refunds).Error
	return refunds, err
}

func (r *repo) SumOpenRefunds(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Refund{}).
		Where("order_id = ? AND status IN ?", orderID, []domain.RefundStatus{domain.RefundStatusPending, domain.RefundStatusProcessing}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID *snowflake.ID, result datatypes.JSONMap, processedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"payment_id":   paymentID,
			"result":       result,
			"processed_at": processedAt,
		}).Error
}
