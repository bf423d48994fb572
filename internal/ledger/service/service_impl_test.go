package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/marketpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/marketpay/internal/audit/service"
	"github.com/smallbiznis/marketpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/marketpay/internal/ledger/service"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t,
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&auditdomain.AuditLog{},
	)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepo.Provide(),
	})
	svc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, AuditSvc: audit,
	})
	return svc, db
}

func TestCreateEntry_PostsBalancedLinesOnce(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()
	node := testutil.Node(t)
	sourceID := node.Generate()
	occurredAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	lines := []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeCash, 10000),
		ledgerdomain.Credit(ledgerdomain.AccountCodeSellerPayable, 8500),
		ledgerdomain.Credit(ledgerdomain.AccountCodePlatformRevenue, 1500),
	}

	var inserted bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = svc.CreateEntry(ctx, tx, ledgerdomain.SourceTypePayment, sourceID, "krw", occurredAt, lines)
		return err
	})
	require.NoError(t, err)
	require.True(t, inserted)

	again, err := svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePayment, sourceID, "KRW", occurredAt, lines)
	require.NoError(t, err)
	require.False(t, again)

	var entries int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).Count(&entries).Error)
	require.Equal(t, int64(1), entries)

	cash, err := svc.Balance(ctx, ledgerdomain.AccountCodeCash)
	require.NoError(t, err)
	require.Equal(t, int64(10000), cash)

	payable, err := svc.Balance(ctx, ledgerdomain.AccountCodeSellerPayable)
	require.NoError(t, err)
	require.Equal(t, int64(-8500), payable)

	var audits int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Where("action = ?", "ledger.entry_created").Count(&audits).Error)
	require.Equal(t, int64(1), audits)
}

func TestCreateEntry_SkipsZeroLines(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	node := testutil.Node(t)

	inserted, err := svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypeVerifierPayout, node.Generate(), "KRW", time.Now().UTC(), []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeCash, 3000),
		ledgerdomain.Credit(ledgerdomain.AccountCodeVerifierPayable, 3000),
		ledgerdomain.Credit(ledgerdomain.AccountCodePlatformRevenue, 0),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	revenue, err := svc.Balance(ctx, ledgerdomain.AccountCodePlatformRevenue)
	require.NoError(t, err)
	require.Zero(t, revenue)
}

func TestCreateEntry_Validation(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	node := testutil.Node(t)
	now := time.Now().UTC()

	cases := []struct {
		name  string
		lines []ledgerdomain.Line
		want  error
	}{
		{
			name: "unbalanced",
			lines: []ledgerdomain.Line{
				ledgerdomain.Debit(ledgerdomain.AccountCodeCash, 100),
				ledgerdomain.Credit(ledgerdomain.AccountCodeSellerPayable, 90),
			},
			want: ledgerdomain.ErrUnbalancedEntry,
		},
		{
			name:  "single line",
			lines: []ledgerdomain.Line{ledgerdomain.Debit(ledgerdomain.AccountCodeCash, 100)},
			want:  ledgerdomain.ErrInvalidEntryLines,
		},
		{
			name: "negative",
			lines: []ledgerdomain.Line{
				ledgerdomain.Debit(ledgerdomain.AccountCodeCash, -100),
				ledgerdomain.Credit(ledgerdomain.AccountCodeSellerPayable, -100),
			},
			want: ledgerdomain.ErrInvalidLineAmount,
		},
		{
			name: "bad direction",
			lines: []ledgerdomain.Line{
				{Account: ledgerdomain.AccountCodeCash, Direction: "sideways", Amount: 1},
				ledgerdomain.Credit(ledgerdomain.AccountCodeSellerPayable, 1),
			},
			want: ledgerdomain.ErrInvalidLineDirection,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePayment, node.Generate(), "KRW", now, tc.lines)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	_, err := svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePayment, node.Generate(), " ", now, nil)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidCurrency)
}
