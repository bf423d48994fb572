package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/seller/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateSeller(ctx context.Context, db *gorm.DB, seller *domain.Seller) error {
	return db.WithContext(ctx).Create(seller).Error
}

func (r *repo) FindSeller(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Seller, error) {
	var seller domain.Seller
	err := db.WithContext(ctx).Where("id = ?", id).Take(&seller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSellerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &seller, nil
}

func (r *repo) CreateVerifier(ctx context.Context, db *gorm.DB, verifier *domain.Verifier) error {
	return db.WithContext(ctx).Create(verifier).Error
}

func (r *repo) FindVerifier(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Verifier, error) {
	var verifier domain.Verifier
	err := db.WithContext(ctx).Where("id = ?", id).Take(&verifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrVerifierNotFound
	}
	if err != nil {
		return nil, err
	}
	return &verifier, nil
}
