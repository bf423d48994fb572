package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Line is one posting requested by a caller; the service resolves the account.
type Line struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}

func Debit(account LedgerAccountCode, amount int64) Line {
	return Line{Account: account, Direction: LedgerEntryDirectionDebit, Amount: amount}
}

func Credit(account LedgerAccountCode, amount int64) Line {
	return Line{Account: account, Direction: LedgerEntryDirectionCredit, Amount: amount}
}

type Service interface {
	// CreateEntry posts a balanced entry inside tx. A second entry for the same
	// source is a no-op and reports false.
	CreateEntry(ctx context.Context, tx *gorm.DB, sourceType LedgerSourceType, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []Line) (bool, error)
	// Balance returns debits minus credits for an account.
	Balance(ctx context.Context, code LedgerAccountCode) (int64, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(lines []Line) error {
	var debit, credit int64
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}
