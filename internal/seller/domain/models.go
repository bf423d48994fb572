package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Seller is a marketplace merchant and settlement payee.
type Seller struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	Name  string       `gorm:"type:text;not null" json:"name"`
	Email string       `gorm:"type:text;not null;uniqueIndex:ux_sellers_email" json:"email"`
	// FeeRateBps overrides the platform default commission. Nil uses the payout config default.
	FeeRateBps     *int64    `json:"fee_rate_bps,omitempty"`
	BankAccountRef *string   `gorm:"type:text" json:"bank_account_ref,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (Seller) TableName() string { return "sellers" }

// Verifier is a verification expert paid per completed review.
type Verifier struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Name           string       `gorm:"type:text;not null" json:"name"`
	Email          string       `gorm:"type:text;not null;uniqueIndex:ux_verifiers_email" json:"email"`
	BankAccountRef *string      `gorm:"type:text" json:"bank_account_ref,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Verifier) TableName() string { return "verifiers" }

// EffectiveFeeRateBps resolves the seller's commission against the platform default.
func (s Seller) EffectiveFeeRateBps(defaultBps int64) int64 {
	if s.FeeRateBps != nil {
		return *s.FeeRateBps
	}
	return defaultBps
}

type Repository interface {
	CreateSeller(ctx context.Context, db *gorm.DB, seller *Seller) error
	FindSeller(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Seller, error)
	CreateVerifier(ctx context.Context, db *gorm.DB, verifier *Verifier) error
	FindVerifier(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Verifier, error)
}

var (
	ErrSellerNotFound   = errors.New("seller_not_found")
	ErrVerifierNotFound = errors.New("verifier_not_found")
)
