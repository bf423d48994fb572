package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/marketpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/marketpay/internal/audit/service"
	"github.com/smallbiznis/marketpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/marketpay/internal/ledger/service"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/marketpay/internal/notification/repository"
	notificationservice "github.com/smallbiznis/marketpay/internal/notification/service"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	sellerrepo "github.com/smallbiznis/marketpay/internal/seller/repository"
	"github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/internal/settlement/repository"
	"github.com/smallbiznis/marketpay/internal/settlement/service"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/smallbiznis/marketpay/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	april    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may      = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	midApril = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (nopPublisher) Close() error                                  { return nil }

type fixture struct {
	svc      domain.Service
	ledger   ledgerdomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	seller   sellerdomain.Seller
	verifier sellerdomain.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t,
		&paymentdomain.Order{},
		&sellerdomain.Seller{},
		&sellerdomain.Verifier{},
		&domain.Settlement{},
		&domain.SettlementItem{},
		&domain.SettlementAdjustment{},
		&domain.VerifierPayout{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&auditdomain.AuditLog{},
		&notificationdomain.OutboxMessage{},
	)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(may.Add(2 * time.Hour))

	f := &fixture{db: db, clock: clk, node: node}
	f.seller = f.newSeller(t, "studio@example.com")
	f.verifier = sellerdomain.Verifier{
		ID: node.Generate(), Name: "Reviewer", Email: "reviewer@example.com",
		CreatedAt: clk.Now(), UpdatedAt: clk.Now(),
	}
	require.NoError(t, db.Create(&f.verifier).Error)

	f.ledger = ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepo.Provide(),
	})
	f.svc = service.NewService(service.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Repo:       repository.Provide(),
		SellerRepo: sellerrepo.Provide(),
		LedgerSvc:  f.ledger,
		AuditSvc:   audit,
		Outbox: notificationservice.NewService(notificationservice.Params{
			DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
			Repo: notificationrepo.Provide(), Publisher: nopPublisher{},
		}),
	})
	return f
}

func (f *fixture) newSeller(t *testing.T, email string) sellerdomain.Seller {
	t.Helper()
	feeRate := int64(1500)
	seller := sellerdomain.Seller{
		ID: f.node.Generate(), Name: email, Email: email,
		FeeRateBps: &feeRate, CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&seller).Error)
	return seller
}

func (f *fixture) order(t *testing.T, sellerID snowflake.ID, amount, refunded int64, status paymentdomain.OrderStatus, paidAt time.Time) paymentdomain.Order {
	t.Helper()
	fee := paymentdomain.PlatformFee(amount, 1500)
	order := paymentdomain.Order{
		ID: f.node.Generate(), BuyerID: f.node.Generate(), BuyerEmail: "buyer@example.com",
		SellerID: sellerID, ProductID: f.node.Generate(), Amount: amount, Currency: "KRW",
		FeeRateBps: 1500, PlatformFee: fee, SellerAmount: amount - fee, RefundedAmount: refunded,
		Status: status, AccessGranted: status == paymentdomain.OrderStatusPaid,
		PaidAt: &paidAt, CreatedAt: paidAt, UpdatedAt: paidAt,
	}
	require.NoError(t, f.db.Create(&order).Error)
	return order
}

func (f *fixture) settlementOf(t *testing.T, orderID snowflake.ID) *snowflake.ID {
	t.Helper()
	var order paymentdomain.Order
	require.NoError(t, f.db.First(&order, "id = ?", orderID).Error)
	return order.SettlementID
}

func sumItems(items []domain.SettlementItem) (amount, fee, payout int64) {
	for _, item := range items {
		amount += item.Amount
		fee += item.PlatformFee
		payout += item.PayoutAmount
	}
	return amount, fee, payout
}

func TestRunSettlesEachEligibleOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	b := f.order(t, f.seller.ID, 20000, 0, paymentdomain.OrderStatusCompleted, april)
	partial := f.order(t, f.seller.ID, 9900, 4950, paymentdomain.OrderStatusPaid, midApril)
	refunded := f.order(t, f.seller.ID, 9900, 9900, paymentdomain.OrderStatusRefunded, midApril)
	pending := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPending, midApril)
	nextMonth := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, may)

	settlement, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, settlement.Status)
	require.Equal(t, 3, settlement.ItemCount)

	// 9900/1485 + 20000/3000 + 4950/743
	require.Equal(t, int64(34850), settlement.TotalAmount)
	require.Equal(t, int64(5228), settlement.PlatformFee)
	require.Equal(t, settlement.TotalAmount-settlement.PlatformFee, settlement.PayoutAmount)

	items, err := f.svc.Items(ctx, settlement.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	amount, fee, payout := sumItems(items)
	require.Equal(t, settlement.TotalAmount, amount)
	require.Equal(t, settlement.PlatformFee, fee)
	require.Equal(t, settlement.PayoutAmount, payout)

	for _, id := range []snowflake.ID{a.ID, b.ID, partial.ID} {
		got := f.settlementOf(t, id)
		require.NotNil(t, got)
		require.Equal(t, settlement.ID, *got)
	}
	for _, id := range []snowflake.ID{refunded.ID, pending.ID, nextMonth.ID} {
		require.Nil(t, f.settlementOf(t, id))
	}

	_, err = f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.ErrorIs(t, err, domain.ErrNothingToSettle)
}

func TestRunDuplicatePeriodRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	_, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.NoError(t, err)

	late := f.order(t, f.seller.ID, 5000, 0, paymentdomain.OrderStatusPaid, midApril)
	_, err = f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.ErrorIs(t, err, domain.ErrSettlementExists)
	require.Nil(t, f.settlementOf(t, late.ID))

	var items int64
	require.NoError(t, f.db.Model(&domain.SettlementItem{}).Count(&items).Error)
	require.Equal(t, int64(1), items)
}

func TestRunValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Run(ctx, domain.PayeeType("buyer"), f.seller.ID, april, may)
	require.ErrorIs(t, err, domain.ErrInvalidPayeeType)

	_, err = f.svc.Run(ctx, domain.PayeeTypeSeller, f.node.Generate(), april, may)
	require.ErrorIs(t, err, domain.ErrInvalidPayee)

	_, err = f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, may, april)
	require.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestRunCarriesRefundAdjustmentIntoNextSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settled := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	aprilRun, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.NoError(t, err)

	adjustment := domain.SettlementAdjustment{
		ID: f.node.Generate(), PayeeType: domain.PayeeTypeSeller, PayeeID: f.seller.ID,
		OrderID: settled.ID, RefundID: f.node.Generate(), Currency: "KRW",
		Amount: -4950, PlatformFee: -742, PayoutAmount: -4208,
		CreatedAt: may.Add(24 * time.Hour),
	}
	require.NoError(t, f.db.Create(&adjustment).Error)

	june := may.AddDate(0, 1, 0)
	// no sales in May: the adjustment waits
	_, err = f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, may, june)
	require.ErrorIs(t, err, domain.ErrNothingToSettle)

	f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, may.Add(48*time.Hour))
	mayRun, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, may, june)
	require.NoError(t, err)
	require.NotEqual(t, aprilRun.ID, mayRun.ID)
	require.Equal(t, 2, mayRun.ItemCount)
	require.Equal(t, int64(9900-4950), mayRun.TotalAmount)
	require.Equal(t, int64(1485-742), mayRun.PlatformFee)
	require.Equal(t, int64(8415-4208), mayRun.PayoutAmount)

	var stored domain.SettlementAdjustment
	require.NoError(t, f.db.First(&stored, "id = ?", adjustment.ID).Error)
	require.NotNil(t, stored.SettlementID)
	require.Equal(t, mayRun.ID, *stored.SettlementID)
}

func TestRunRejectsNegativePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.order(t, f.seller.ID, 1000, 0, paymentdomain.OrderStatusPaid, midApril)
	adjustment := domain.SettlementAdjustment{
		ID: f.node.Generate(), PayeeType: domain.PayeeTypeSeller, PayeeID: f.seller.ID,
		OrderID: f.node.Generate(), RefundID: f.node.Generate(), Currency: "KRW",
		Amount: -9900, PlatformFee: -1485, PayoutAmount: -8415,
		CreatedAt: april,
	}
	require.NoError(t, f.db.Create(&adjustment).Error)

	_, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.ErrorIs(t, err, domain.ErrNegativePayout)

	var stored domain.SettlementAdjustment
	require.NoError(t, f.db.First(&stored, "id = ?", adjustment.ID).Error)
	require.Nil(t, stored.SettlementID)
}

func TestVerifierPayoutPassesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := domain.RecordVerifierPayoutRequest{
		VerifierID: f.verifier.ID, SourceRef: "review-42", Amount: 30000, Currency: "krw", EarnedAt: midApril,
	}
	first, created, err := f.svc.RecordVerifierPayout(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := f.svc.RecordVerifierPayout(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	payable, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodeVerifierPayable)
	require.NoError(t, err)
	require.Equal(t, int64(-30000), payable)

	settlement, err := f.svc.Run(ctx, domain.PayeeTypeVerifier, f.verifier.ID, april, may)
	require.NoError(t, err)
	require.Equal(t, int64(30000), settlement.TotalAmount)
	require.Zero(t, settlement.PlatformFee)
	require.Equal(t, int64(30000), settlement.PayoutAmount)

	_, _, err = f.svc.RecordVerifierPayout(ctx, domain.RecordVerifierPayoutRequest{
		VerifierID: f.verifier.ID, SourceRef: "review-43", Amount: 0, Currency: "KRW",
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	settlement, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayout(ctx, settlement.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.SubmitPayout(ctx, settlement.ID, " ")
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	submitted, err := f.svc.SubmitPayout(ctx, settlement.ID, "bank-batch-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, submitted.Status)

	failed, err := f.svc.FailPayout(ctx, settlement.ID, "account closed")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)

	var notices int64
	require.NoError(t, f.db.Model(&notificationdomain.OutboxMessage{}).
		Where("topic = ?", notificationdomain.TopicSettlementFailed).
		Count(&notices).Error)
	require.Equal(t, int64(2), notices)

	_, err = f.svc.SubmitPayout(ctx, settlement.ID, "bank-batch-2")
	require.NoError(t, err)
	paid, err := f.svc.ConfirmPayout(ctx, settlement.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	payable, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodeSellerPayable)
	require.NoError(t, err)
	require.Equal(t, paid.PayoutAmount, payable)

	_, err = f.svc.Cancel(ctx, settlement.ID, "too late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelKeepsOrdersSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	settlement, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, april, may)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, settlement.ID, "paid by wire")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, f.settlementOf(t, order.ID))
}

func TestRunPeriodSettlesEveryPayee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.newSeller(t, "other@example.com")
	f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	f.order(t, other.ID, 5000, 0, paymentdomain.OrderStatusPaid, midApril)
	_, _, err := f.svc.RecordVerifierPayout(ctx, domain.RecordVerifierPayoutRequest{
		VerifierID: f.verifier.ID, SourceRef: "review-1", Amount: 10000, Currency: "KRW", EarnedAt: midApril,
	})
	require.NoError(t, err)

	result, err := f.svc.RunPeriod(ctx, april, may)
	require.NoError(t, err)
	require.Equal(t, 3, result.Created)
	require.Len(t, result.IDs, 3)
	require.Zero(t, result.Failed)

	again, err := f.svc.RunPeriod(ctx, april, may)
	require.NoError(t, err)
	require.Zero(t, again.Created)
}

func TestRunPeriodPicksUpOrdersLeftByNegativePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	june := may.AddDate(0, 1, 0)
	july := june.AddDate(0, 1, 0)

	aprilOrder := f.order(t, f.seller.ID, 1000, 0, paymentdomain.OrderStatusPaid, midApril)
	adjustment := domain.SettlementAdjustment{
		ID: f.node.Generate(), PayeeType: domain.PayeeTypeSeller, PayeeID: f.seller.ID,
		OrderID: f.node.Generate(), RefundID: f.node.Generate(), Currency: "KRW",
		Amount: -9900, PlatformFee: -1485, PayoutAmount: -8415,
		CreatedAt: april,
	}
	require.NoError(t, f.db.Create(&adjustment).Error)

	result, err := f.svc.RunPeriod(ctx, april, may)
	require.NoError(t, err)
	require.Zero(t, result.Created)
	require.Nil(t, f.settlementOf(t, aprilOrder.ID))

	mayOrder := f.order(t, f.seller.ID, 50000, 0, paymentdomain.OrderStatusPaid, may.Add(72*time.Hour))
	result, err = f.svc.RunPeriod(ctx, may, june)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	settlementID := f.settlementOf(t, aprilOrder.ID)
	require.NotNil(t, settlementID)
	require.Equal(t, result.IDs[0], *settlementID)
	require.Equal(t, result.IDs[0], *f.settlementOf(t, mayOrder.ID))

	settlement, err := f.svc.Get(ctx, result.IDs[0])
	require.NoError(t, err)
	require.Equal(t, 3, settlement.ItemCount)
	require.Equal(t, int64(1000+50000-9900), settlement.TotalAmount)
	require.Equal(t, may, settlement.PeriodStart)

	result, err = f.svc.RunPeriod(ctx, june, july)
	require.NoError(t, err)
	require.Zero(t, result.Created)
}

func TestRunPeriodAfterMissedMonthSettlesEarlierRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	june := may.AddDate(0, 1, 0)

	aprilOrder := f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, midApril)
	_, _, err := f.svc.RecordVerifierPayout(ctx, domain.RecordVerifierPayoutRequest{
		VerifierID: f.verifier.ID, SourceRef: "review-7", Amount: 10000, Currency: "KRW", EarnedAt: midApril,
	})
	require.NoError(t, err)

	// the April tick never ran
	result, err := f.svc.RunPeriod(ctx, may, june)
	require.NoError(t, err)
	require.Equal(t, 2, result.Created)
	require.NotNil(t, f.settlementOf(t, aprilOrder.ID))

	var unsettled int64
	require.NoError(t, f.db.Model(&domain.VerifierPayout{}).Where("settlement_id IS NULL").Count(&unsettled).Error)
	require.Zero(t, unsettled)
}

func TestEstimateDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.order(t, f.seller.ID, 9900, 0, paymentdomain.OrderStatusPaid, may.Add(time.Hour))
	estimate, err := f.svc.Estimate(ctx, domain.PayeeTypeSeller, f.seller.ID, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, may, estimate.PeriodStart)
	require.Equal(t, int64(9900), estimate.TotalAmount)
	require.Equal(t, int64(8415), estimate.PayoutAmount)
	require.Equal(t, 1, estimate.ItemCount)

	var count int64
	require.NoError(t, f.db.Model(&domain.Settlement{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for month := 1; month <= 3; month++ {
		start := time.Date(2026, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		f.order(t, f.seller.ID, 1000, 0, paymentdomain.OrderStatusPaid, start.Add(time.Hour))
		f.clock.Set(start.AddDate(0, 1, 0))
		_, err := f.svc.Run(ctx, domain.PayeeTypeSeller, f.seller.ID, start, start.AddDate(0, 1, 0))
		require.NoError(t, err)
	}

	page, err := f.svc.List(ctx, domain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		PayeeType:  domain.PayeeTypeSeller,
		PayeeID:    f.seller.ID,
	})
	require.NoError(t, err)
	require.Len(t, page.Settlements, 2)
	require.True(t, page.HasMore)
	require.Equal(t, time.March, page.Settlements[0].PeriodStart.Month())

	next, err := f.svc.List(ctx, domain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
		PayeeID:    f.seller.ID,
	})
	require.NoError(t, err)
	require.Len(t, next.Settlements, 1)
	require.False(t, next.HasMore)
	require.Equal(t, time.January, next.Settlements[0].PeriodStart.Month())

	_, err = f.svc.List(ctx, domain.ListRequest{Pagination: pagination.Pagination{PageToken: "garbage"}})
	require.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
