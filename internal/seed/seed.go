package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const planCurrency = "KRW"

// DefaultPlans is the tier price list. Yearly prices are ten months of the monthly price.
func DefaultPlans() []subscriptiondomain.Plan {
	return []subscriptiondomain.Plan{
		{
			Tier:     subscriptiondomain.TierFree,
			Name:     "Free",
			Features: datatypes.JSONMap{"max_listings": 3, "verification_requests": 0},
		},
		{
			Tier:         subscriptiondomain.TierBasic,
			Name:         "Basic",
			MonthlyPrice: 19900,
			YearlyPrice:  199000,
			Features:     datatypes.JSONMap{"max_listings": 20, "verification_requests": 2},
		},
		{
			Tier:         subscriptiondomain.TierPro,
			Name:         "Pro",
			MonthlyPrice: 29900,
			YearlyPrice:  299000,
			Features:     datatypes.JSONMap{"max_listings": 100, "verification_requests": 10},
		},
		{
			Tier:         subscriptiondomain.TierEnterprise,
			Name:         "Enterprise",
			MonthlyPrice: 99000,
			YearlyPrice:  990000,
			Features:     datatypes.JSONMap{"max_listings": -1, "verification_requests": -1},
		},
	}
}

var ledgerAccounts = []ledgerdomain.LedgerAccountCode{
	ledgerdomain.AccountCodeCash,
	ledgerdomain.AccountCodeSellerPayable,
	ledgerdomain.AccountCodeVerifierPayable,
	ledgerdomain.AccountCodePlatformRevenue,
	ledgerdomain.AccountCodeVerificationExpense,
}

// EnsureCatalog seeds plans and the chart of accounts. Plan prices are
// overwritten on every start; ledger accounts are only inserted when missing.
func EnsureCatalog(db *gorm.DB, repo subscriptiondomain.Repository) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if repo == nil {
		return errors.New("seed subscription repository is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlansTx(ctx, tx, repo, node, now); err != nil {
			return err
		}
		return ensureLedgerAccountsTx(ctx, tx, node, now)
	})
}

func ensurePlansTx(ctx context.Context, tx *gorm.DB, repo subscriptiondomain.Repository, node *snowflake.Node, now time.Time) error {
	plans := DefaultPlans()
	for i := range plans {
		plans[i].ID = node.Generate()
		plans[i].Currency = planCurrency
		plans[i].CreatedAt = now
		plans[i].UpdatedAt = now
	}
	return repo.UpsertPlans(ctx, tx, plans)
}

func ensureLedgerAccountsTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, now time.Time) error {
	accounts := make([]ledgerdomain.LedgerAccount, 0, len(ledgerAccounts))
	for _, code := range ledgerAccounts {
		accounts = append(accounts, ledgerdomain.LedgerAccount{
			ID:        node.Generate(),
			Code:      code,
			Name:      ledgerdomain.AccountName(code),
			CreatedAt: now,
		})
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&accounts).Error
}
