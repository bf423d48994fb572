package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/notification/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, msgs []domain.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&msgs).Error
}

// ClaimDue moves due rows to processing and returns them. Rows stuck in
// processing since before staleBefore are reclaimed.
func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, staleBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	var claimed []domain.OutboxMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []domain.OutboxMessage
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND updated_at < ?)",
				domain.OutboxStatusPending, now,
				domain.OutboxStatusProcessing, staleBefore,
			).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			rows[i].Status = domain.OutboxStatusProcessing
			rows[i].Attempts++
			rows[i].UpdatedAt = now
		}
		if err := tx.Model(&domain.OutboxMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     domain.OutboxStatusProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.OutboxStatusPublished,
			"published_at": at,
			"last_error":   nil,
			"updated_at":   at,
		}).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.OutboxStatus, nextAttemptAt time.Time, lastError string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          status,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
			"updated_at":      at,
		}).Error
}
