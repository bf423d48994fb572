package seed

import (
	"context"
	"testing"

	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/marketpay/internal/subscription/repository"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestEnsureCatalogIsIdempotent(t *testing.T) {
	db := testutil.OpenDB(t, &subscriptiondomain.Plan{}, &ledgerdomain.LedgerAccount{})
	repo := subscriptionrepo.Provide()

	require.NoError(t, EnsureCatalog(db, repo))
	require.NoError(t, db.Model(&subscriptiondomain.Plan{}).
		Where("tier = ?", subscriptiondomain.TierPro).
		Update("monthly_price", 1).Error)
	require.NoError(t, EnsureCatalog(db, repo))

	plans, err := repo.ListPlans(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, plans, 4)

	want := map[subscriptiondomain.Tier][2]int64{
		subscriptiondomain.TierFree:       {0, 0},
		subscriptiondomain.TierBasic:      {19900, 199000},
		subscriptiondomain.TierPro:        {29900, 299000},
		subscriptiondomain.TierEnterprise: {99000, 990000},
	}
	for i, plan := range plans {
		require.Equal(t, i, plan.Tier.Rank())
		require.Equal(t, "KRW", plan.Currency)
		require.Equal(t, want[plan.Tier][0], plan.MonthlyPrice, plan.Tier)
		require.Equal(t, want[plan.Tier][1], plan.YearlyPrice, plan.Tier)
	}

	var accounts int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerAccount{}).Count(&accounts).Error)
	require.Equal(t, int64(len(ledgerAccounts)), accounts)
}

func TestEnsureCatalogRequiresHandles(t *testing.T) {
	require.Error(t, EnsureCatalog(nil, subscriptionrepo.Provide()))

	db := testutil.OpenDB(t)
	require.Error(t, EnsureCatalog(db, nil))
}
