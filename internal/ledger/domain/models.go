package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypePayment          LedgerSourceType = "payment"           // buyer money captured
	SourceTypeRefund           LedgerSourceType = "refund"            // money returned to buyer
	SourceTypeVerifierPayout   LedgerSourceType = "verifier_payout"   // verification fee earned
	SourceTypeSettlementPayout LedgerSourceType = "settlement_payout" // payee paid out
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCash LedgerAccountCode = "cash"

	// Liabilities
	AccountCodeSellerPayable   LedgerAccountCode = "seller_payable"
	AccountCodeVerifierPayable LedgerAccountCode = "verifier_payable"

	// Revenue
	AccountCodePlatformRevenue LedgerAccountCode = "platform_revenue"

	// Expenses
	AccountCodeVerificationExpense LedgerAccountCode = "verification_expense"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCash:            "Cash",
	AccountCodeSellerPayable:   "Seller payable",
	AccountCodeVerifierPayable: "Verifier payable",
	AccountCodePlatformRevenue: "Platform revenue",

	AccountCodeVerificationExpense: "Verification expense",
}

// AccountName returns the display name for a chart-of-accounts code.
func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_code"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	AccountCode   LedgerAccountCode    `gorm:"-"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
