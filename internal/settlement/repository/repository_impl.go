package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// settleableOrderStatuses mirrors the paid order statuses in the payment domain.
var settleableOrderStatuses = []string{"PAID", "COMPLETED"}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateSettlement(ctx context.Context, conn *gorm.DB, settlement *domain.Settlement) error {
	err := conn.WithContext(ctx).Create(settlement).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrSettlementExists
	}
	return err
}

func (r *repo) SaveSettlement(ctx context.Context, conn *gorm.DB, settlement *domain.Settlement) error {
	return conn.WithContext(ctx).Save(settlement).Error
}

func (r *repo) FindSettlement(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Settlement, error) {
	stmt := conn.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var settlement domain.Settlement
	err := stmt.Where("id = ?", id).Take(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (r *repo) ListSettlements(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.Settlement, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Settlement{})
	if filter.PayeeType != "" {
		stmt = stmt.Where("payee_type = ?", filter.PayeeType)
	}
	if filter.PayeeID != 0 {
		stmt = stmt.Where("payee_id = ?", filter.PayeeID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var items []*domain.Settlement
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertItems(ctx context.Context, conn *gorm.DB, items []domain.SettlementItem) error {
	if len(items) == 0 {
		return nil
	}
	err := conn.WithContext(ctx).CreateInBatches(items, 200).Error
	if db.IsDuplicateKeyErr(err) {
		// a source row was settled by another run
		return domain.ErrConcurrentSettlement
	}
	return err
}

func (r *repo) ListItems(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID) ([]domain.SettlementItem, error) {
	var items []domain.SettlementItem
	err := conn.WithContext(ctx).
		Where("settlement_id = ?", settlementID).
		Order("kind asc, source_id asc").
		Find(&items).Error
	return items, err
}

func (r *repo) InsertAdjustment(ctx context.Context, conn *gorm.DB, adjustment *domain.SettlementAdjustment) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "refund_id"}}, DoNothing: true}).
		Create(adjustment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertVerifierPayout(ctx context.Context, conn *gorm.DB, payout *domain.VerifierPayout) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_ref"}}, DoNothing: true}).
		Create(payout)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindVerifierPayoutBySourceRef(ctx context.Context, conn *gorm.DB, sourceRef string) (*domain.VerifierPayout, error) {
	var payout domain.VerifierPayout
	err := conn.WithContext(ctx).Where("source_ref = ?", sourceRef).Take(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repo) UnsettledOrders(ctx context.Context, conn *gorm.DB, sellerID snowflake.ID, before time.Time, forUpdate bool) ([]domain.OrderCandidate, error) {
	stmt := conn.WithContext(ctx).Table("orders")
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []domain.OrderCandidate
	err := stmt.
		Select("id, seller_id, amount, platform_fee, refunded_amount, currency, paid_at").
		Where("seller_id = ? AND status IN ? AND settlement_id IS NULL AND paid_at < ?",
			sellerID, settleableOrderStatuses, before.UTC()).
		Order("paid_at asc, id asc").
		Scan(&rows).Error
	return rows, err
}

func (r *repo) UnsettledAdjustments(ctx context.Context, conn *gorm.DB, payeeType domain.PayeeType, payeeID snowflake.ID, before time.Time) ([]domain.SettlementAdjustment, error) {
	var rows []domain.SettlementAdjustment
	err := conn.WithContext(ctx).
		Where("payee_type = ? AND payee_id = ? AND settlement_id IS NULL AND created_at < ?", payeeType, payeeID, before.UTC()).
		Order("created_at asc, id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repo) UnsettledVerifierPayouts(ctx context.Context, conn *gorm.DB, verifierID snowflake.ID, before time.Time) ([]domain.VerifierPayout, error) {
	var rows []domain.VerifierPayout
	err := conn.WithContext(ctx).
		Where("verifier_id = ? AND settlement_id IS NULL AND earned_at < ?", verifierID, before.UTC()).
		Order("earned_at asc, id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repo) PayeesWithUnsettled(ctx context.Context, conn *gorm.DB, before time.Time) ([]domain.Payee, error) {
	var sellerIDs []snowflake.ID
	if err := conn.WithContext(ctx).Table("orders").
		Distinct("seller_id").
		Where("status IN ? AND settlement_id IS NULL AND paid_at < ?", settleableOrderStatuses, before.UTC()).
		Order("seller_id asc").
		Pluck("seller_id", &sellerIDs).Error; err != nil {
		return nil, err
	}

	var verifierIDs []snowflake.ID
	if err := conn.WithContext(ctx).Model(&domain.VerifierPayout{}).
		Distinct("verifier_id").
		Where("settlement_id IS NULL AND earned_at < ?", before.UTC()).
		Order("verifier_id asc").
		Pluck("verifier_id", &verifierIDs).Error; err != nil {
		return nil, err
	}

	payees := make([]domain.Payee, 0, len(sellerIDs)+len(verifierIDs))
	for _, id := range sellerIDs {
		payees = append(payees, domain.Payee{Type: domain.PayeeTypeSeller, ID: id})
	}
	for _, id := range verifierIDs {
		payees = append(payees, domain.Payee{Type: domain.PayeeTypeVerifier, ID: id})
	}
	return payees, nil
}

func (r *repo) AttachOrders(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := conn.WithContext(ctx).Table("orders").
		Where("id IN ? AND settlement_id IS NULL AND status IN ?", ids, settleableOrderStatuses).
		Updates(map[string]any{"settlement_id": settlementID})
	return res.RowsAffected, res.Error
}

func (r *repo) AttachAdjustments(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := conn.WithContext(ctx).Model(&domain.SettlementAdjustment{}).
		Where("id IN ? AND settlement_id IS NULL", ids).
		Update("settlement_id", settlementID)
	return res.RowsAffected, res.Error
}

func (r *repo) AttachVerifierPayouts(ctx context.Context, conn *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := conn.WithContext(ctx).Model(&domain.VerifierPayout{}).
		Where("id IN ? AND settlement_id IS NULL", ids).
		Update("settlement_id", settlementID)
	return res.RowsAffected, res.Error
}
