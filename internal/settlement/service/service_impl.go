package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	"github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	SellerRepo sellerdomain.Repository
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service       `optional:"true"`
	Outbox     notificationdomain.Outbox `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	sellerRepo sellerdomain.Repository
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	outbox     notificationdomain.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		sellerRepo: p.SellerRepo,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// draft is the in-memory result of collecting one payee's unsettled rows.
type draft struct {
	currency      string
	items         []domain.SettlementItem
	orderIDs      []snowflake.ID
	adjustmentIDs []snowflake.ID
	payoutIDs     []snowflake.ID
	total         int64
	fee           int64
}

func (d *draft) add(kind domain.ItemKind, sourceID snowflake.ID, currency string, amount, fee int64) error {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if d.currency == "" {
		d.currency = currency
	} else if d.currency != currency {
		return domain.ErrMixedCurrency
	}
	d.items = append(d.items, domain.SettlementItem{
		Kind:         kind,
		SourceID:     sourceID,
		Amount:       amount,
		PlatformFee:  fee,
		PayoutAmount: amount - fee,
	})
	d.total += amount
	d.fee += fee
	return nil
}

func (d *draft) payout() int64 { return d.total - d.fee }

// collect gathers every unsettled row dated before end. Rows left behind by an
// earlier period (negative payout, missed run) ride along with this one.
func (s *Service) collect(ctx context.Context, tx *gorm.DB, payeeType domain.PayeeType, payeeID snowflake.ID, end time.Time, forUpdate bool) (*draft, error) {
	d := &draft{}
	switch payeeType {
	case domain.PayeeTypeSeller:
		orders, err := s.repo.UnsettledOrders(ctx, tx, payeeID, end, forUpdate)
		if err != nil {
			return nil, err
		}
		if len(orders) == 0 {
			// adjustments alone never open a settlement; they wait for the next sale
			return d, nil
		}
		for _, order := range orders {
			net := order.Amount - order.RefundedAmount
			fee := paymentdomain.NetPlatformFee(order.PlatformFee, order.Amount, order.RefundedAmount)
			if err := d.add(domain.ItemKindOrder, order.ID, order.Currency, net, fee); err != nil {
				return nil, err
			}
			d.orderIDs = append(d.orderIDs, order.ID)
		}
		adjustments, err := s.repo.UnsettledAdjustments(ctx, tx, payeeType, payeeID, end)
		if err != nil {
			return nil, err
		}
		for _, adj := range adjustments {
			if err := d.add(domain.ItemKindRefundAdjustment, adj.ID, adj.Currency, adj.Amount, adj.PlatformFee); err != nil {
				return nil, err
			}
			d.adjustmentIDs = append(d.adjustmentIDs, adj.ID)
		}
	case domain.PayeeTypeVerifier:
		payouts, err := s.repo.UnsettledVerifierPayouts(ctx, tx, payeeID, end)
		if err != nil {
			return nil, err
		}
		for _, payout := range payouts {
			if err := d.add(domain.ItemKindVerifierPayout, payout.ID, payout.Currency, payout.Amount, 0); err != nil {
				return nil, err
			}
			d.payoutIDs = append(d.payoutIDs, payout.ID)
		}
	default:
		return nil, domain.ErrInvalidPayeeType
	}
	return d, nil
}

func (s *Service) validatePayee(ctx context.Context, payeeType domain.PayeeType, payeeID snowflake.ID) error {
	if !payeeType.Valid() {
		return domain.ErrInvalidPayeeType
	}
	if payeeID == 0 {
		return domain.ErrInvalidPayee
	}
	var err error
	if payeeType == domain.PayeeTypeSeller {
		_, err = s.sellerRepo.FindSeller(ctx, s.db, payeeID)
	} else {
		_, err = s.sellerRepo.FindVerifier(ctx, s.db, payeeID)
	}
	if errors.Is(err, sellerdomain.ErrSellerNotFound) || errors.Is(err, sellerdomain.ErrVerifierNotFound) {
		return domain.ErrInvalidPayee
	}
	return err
}

// Run settles one payee for [periodStart, periodEnd), including rows from
// earlier periods that are still unsettled. Source rows are claimed in the
// same transaction that creates the settlement.
func (s *Service) Run(ctx context.Context, payeeType domain.PayeeType, payeeID snowflake.ID, periodStart, periodEnd time.Time) (*domain.Settlement, error) {
	periodStart, periodEnd = periodStart.UTC(), periodEnd.UTC()
	if periodStart.IsZero() || !periodStart.Before(periodEnd) {
		return nil, domain.ErrInvalidPeriod
	}
	if err := s.validatePayee(ctx, payeeType, payeeID); err != nil {
		return nil, err
	}

	var settlement *domain.Settlement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.collect(ctx, tx, payeeType, payeeID, periodEnd, true)
		if err != nil {
			return err
		}
		if len(d.items) == 0 {
			return domain.ErrNothingToSettle
		}
		if d.payout() < 0 {
			// refunds outweigh sales; everything carries forward
			return domain.ErrNegativePayout
		}

		now := s.clock.Now().UTC()
		settlement = &domain.Settlement{
			ID:           s.genID.Generate(),
			PayeeType:    payeeType,
			PayeeID:      payeeID,
			PeriodStart:  periodStart,
			PeriodEnd:    periodEnd,
			Currency:     d.currency,
			TotalAmount:  d.total,
			PlatformFee:  d.fee,
			PayoutAmount: d.payout(),
			ItemCount:    len(d.items),
			Status:       domain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.CreateSettlement(ctx, tx, settlement); err != nil {
			return err
		}

		for i := range d.items {
			d.items[i].ID = s.genID.Generate()
			d.items[i].SettlementID = settlement.ID
			d.items[i].CreatedAt = now
		}
		if err := s.repo.InsertItems(ctx, tx, d.items); err != nil {
			return err
		}

		if err := s.attach(ctx, tx, settlement.ID, d); err != nil {
			return err
		}

		if err := s.audit(ctx, tx, auditdomain.ActorTypeSystem, "settlement.created", settlement, map[string]any{
			"payee_type":    string(payeeType),
			"payee_id":      payeeID.String(),
			"period_start":  periodStart.Format(time.RFC3339),
			"period_end":    periodEnd.Format(time.RFC3339),
			"total_amount":  settlement.TotalAmount,
			"platform_fee":  settlement.PlatformFee,
			"payout_amount": settlement.PayoutAmount,
			"item_count":    settlement.ItemCount,
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, s.payeeMessage(notificationdomain.TopicSettlementCreated, settlement, nil))
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSettlement(ctx, string(payeeType), string(domain.StatusPending), settlement.PayoutAmount)
	s.log.Info("settlement created",
		zap.String("settlement_id", settlement.ID.String()),
		zap.String("payee_type", string(payeeType)),
		zap.String("payee_id", payeeID.String()),
		zap.Int64("payout_amount", settlement.PayoutAmount),
		zap.Int("item_count", settlement.ItemCount),
	)
	return settlement, nil
}

func (s *Service) attach(ctx context.Context, tx *gorm.DB, settlementID snowflake.ID, d *draft) error {
	steps := []struct {
		ids    []snowflake.ID
		attach func(context.Context, *gorm.DB, snowflake.ID, []snowflake.ID) (int64, error)
	}{
		{d.orderIDs, s.repo.AttachOrders},
		{d.adjustmentIDs, s.repo.AttachAdjustments},
		{d.payoutIDs, s.repo.AttachVerifierPayouts},
	}
	for _, step := range steps {
		if len(step.ids) == 0 {
			continue
		}
		n, err := step.attach(ctx, tx, settlementID, step.ids)
		if err != nil {
			return err
		}
		if n != int64(len(step.ids)) {
			return domain.ErrConcurrentSettlement
		}
	}
	return nil
}

// RunPeriod settles every payee with unsettled rows dated before periodEnd.
// One payee's failure does not stop the others.
func (s *Service) RunPeriod(ctx context.Context, periodStart, periodEnd time.Time) (domain.BatchResult, error) {
	var result domain.BatchResult
	periodStart, periodEnd = periodStart.UTC(), periodEnd.UTC()
	if periodStart.IsZero() || !periodStart.Before(periodEnd) {
		return result, domain.ErrInvalidPeriod
	}

	payees, err := s.repo.PayeesWithUnsettled(ctx, s.db, periodEnd)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, payee := range payees {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		settlement, err := s.Run(ctx, payee.Type, payee.ID, periodStart, periodEnd)
		switch {
		case err == nil:
			result.Created++
			result.IDs = append(result.IDs, settlement.ID)
		case errors.Is(err, domain.ErrSettlementExists):
			result.Existing++
		case errors.Is(err, domain.ErrNothingToSettle), errors.Is(err, domain.ErrNegativePayout):
			s.log.Info("payee skipped",
				zap.String("payee_type", string(payee.Type)),
				zap.String("payee_id", payee.ID.String()),
				zap.String("reason", err.Error()),
			)
		default:
			result.Failed++
			s.obsMetrics.RecordSettlement(ctx, string(payee.Type), "error", 0)
			errs = append(errs, fmt.Errorf("settle %s %s: %w", payee.Type, payee.ID, err))
		}
	}

	s.log.Info("settlement period processed",
		zap.Time("period_start", periodStart),
		zap.Time("period_end", periodEnd),
		zap.Int("payees", len(payees)),
		zap.Int("created", result.Created),
		zap.Int("existing", result.Existing),
		zap.Int("failed", result.Failed),
	)
	return result, errors.Join(errs...)
}

// Estimate previews the current calendar month without persisting anything.
func (s *Service) Estimate(ctx context.Context, payeeType domain.PayeeType, payeeID snowflake.ID, now time.Time) (domain.Estimate, error) {
	if err := s.validatePayee(ctx, payeeType, payeeID); err != nil {
		return domain.Estimate{}, err
	}
	if now.IsZero() {
		now = s.clock.Now()
	}
	start, end := domain.MonthPeriod(now)

	d, err := s.collect(ctx, s.db, payeeType, payeeID, end, false)
	if err != nil {
		return domain.Estimate{}, err
	}
	return domain.Estimate{
		PayeeType:    payeeType,
		PayeeID:      payeeID.String(),
		PeriodStart:  start,
		PeriodEnd:    end,
		Currency:     d.currency,
		TotalAmount:  d.total,
		PlatformFee:  d.fee,
		PayoutAmount: d.payout(),
		ItemCount:    len(d.items),
	}, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.PayeeType != "" && !req.PayeeType.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidPayeeType
	}

	var cursor *domain.Cursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListSettlements(ctx, s.db, domain.ListFilter{
		PayeeType: req.PayeeType,
		PayeeID:   req.PayeeID,
		Status:    req.Status,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Settlement) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > limit {
		items = items[:limit]
	}

	settlements := make([]domain.Settlement, 0, len(items))
	for _, item := range items {
		if item != nil {
			settlements = append(settlements, *item)
		}
	}

	resp := domain.ListResponse{Settlements: settlements}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Settlement, error) {
	if id == 0 {
		return nil, domain.ErrSettlementNotFound
	}
	return s.repo.FindSettlement(ctx, s.db, id, false)
}

func (s *Service) Items(ctx context.Context, id snowflake.ID) ([]domain.SettlementItem, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, s.db, id)
}

// SubmitPayout hands the settlement to the bank. A FAILED settlement may be
// resubmitted once the payee's bank details are fixed.
func (s *Service) SubmitPayout(ctx context.Context, id snowflake.ID, payoutReference string) (*domain.Settlement, error) {
	payoutReference = strings.TrimSpace(payoutReference)
	if payoutReference == "" {
		return nil, domain.ErrInvalidReference
	}
	return s.transition(ctx, id, domain.StatusProcessing, func(tx *gorm.DB, settlement *domain.Settlement, now time.Time) error {
		settlement.PayoutReference = &payoutReference
		settlement.SubmittedAt = &now
		settlement.FailureReason = nil
		return s.audit(ctx, tx, auditdomain.ActorTypeOperator, "settlement.submitted", settlement, map[string]any{
			"payout_reference": payoutReference,
		})
	})
}

// ConfirmPayout records that the bank transfer landed and releases the payable.
func (s *Service) ConfirmPayout(ctx context.Context, id snowflake.ID) (*domain.Settlement, error) {
	return s.transition(ctx, id, domain.StatusPaid, func(tx *gorm.DB, settlement *domain.Settlement, now time.Time) error {
		settlement.PaidAt = &now
		if settlement.PayoutAmount > 0 {
			payable := ledgerdomain.AccountCodeSellerPayable
			if settlement.PayeeType == domain.PayeeTypeVerifier {
				payable = ledgerdomain.AccountCodeVerifierPayable
			}
			if _, err := s.ledgerSvc.CreateEntry(ctx, tx, ledgerdomain.SourceTypeSettlementPayout, settlement.ID, settlement.Currency, now, []ledgerdomain.Line{
				ledgerdomain.Debit(payable, settlement.PayoutAmount),
				ledgerdomain.Credit(ledgerdomain.AccountCodeCash, settlement.PayoutAmount),
			}); err != nil {
				return err
			}
		}
		if err := s.audit(ctx, tx, auditdomain.ActorTypeOperator, "settlement.paid", settlement, map[string]any{
			"payout_amount": settlement.PayoutAmount,
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, s.payeeMessage(notificationdomain.TopicSettlementPaid, settlement, nil))
	})
}

// FailPayout marks a bank rejection. Nothing is retried automatically and the
// settled source rows stay attached.
func (s *Service) FailPayout(ctx context.Context, id snowflake.ID, reason string) (*domain.Settlement, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.ErrInvalidReason
	}
	return s.transition(ctx, id, domain.StatusFailed, func(tx *gorm.DB, settlement *domain.Settlement, now time.Time) error {
		settlement.FailureReason = &reason
		settlement.FailedAt = &now
		if err := s.audit(ctx, tx, auditdomain.ActorTypeOperator, "settlement.failed", settlement, map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}
		extra := map[string]any{"reason": reason}
		operator := s.payeeMessage(notificationdomain.TopicSettlementFailed, settlement, extra)
		operator.Audience = notificationdomain.AudienceOperator
		return s.enqueue(ctx, tx, s.payeeMessage(notificationdomain.TopicSettlementFailed, settlement, extra), operator)
	})
}

// Cancel withdraws a settlement that will be handled out of band.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*domain.Settlement, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.ErrInvalidReason
	}
	return s.transition(ctx, id, domain.StatusCancelled, func(tx *gorm.DB, settlement *domain.Settlement, now time.Time) error {
		settlement.FailureReason = &reason
		settlement.CancelledAt = &now
		return s.audit(ctx, tx, auditdomain.ActorTypeOperator, "settlement.cancelled", settlement, map[string]any{
			"reason": reason,
		})
	})
}

func (s *Service) transition(
	ctx context.Context,
	id snowflake.ID,
	to domain.SettlementStatus,
	apply func(tx *gorm.DB, settlement *domain.Settlement, now time.Time) error,
) (*domain.Settlement, error) {
	if id == 0 {
		return nil, domain.ErrSettlementNotFound
	}
	var settlement *domain.Settlement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		settlement, err = s.repo.FindSettlement(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !domain.CanTransition(settlement.Status, to) {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now().UTC()
		settlement.Status = to
		settlement.UpdatedAt = now
		if err := apply(tx, settlement, now); err != nil {
			return err
		}
		return s.repo.SaveSettlement(ctx, tx, settlement)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSettlement(ctx, string(settlement.PayeeType), string(to), settlement.PayoutAmount)
	s.log.Info("settlement transitioned",
		zap.String("settlement_id", settlement.ID.String()),
		zap.String("status", string(to)),
	)
	return settlement, nil
}

// RecordVerifierPayout books one verification fee. Replays of the same
// source_ref return the stored row with created=false.
func (s *Service) RecordVerifierPayout(ctx context.Context, req domain.RecordVerifierPayoutRequest) (*domain.VerifierPayout, bool, error) {
	sourceRef := strings.TrimSpace(req.SourceRef)
	if sourceRef == "" {
		return nil, false, domain.ErrInvalidSourceRef
	}
	if req.Amount <= 0 {
		return nil, false, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, false, domain.ErrInvalidCurrency
	}
	if err := s.validatePayee(ctx, domain.PayeeTypeVerifier, req.VerifierID); err != nil {
		return nil, false, err
	}

	now := s.clock.Now().UTC()
	earnedAt := req.EarnedAt.UTC()
	if req.EarnedAt.IsZero() {
		earnedAt = now
	}

	payout := &domain.VerifierPayout{
		ID:         s.genID.Generate(),
		VerifierID: req.VerifierID,
		SourceRef:  sourceRef,
		Amount:     req.Amount,
		Currency:   currency,
		EarnedAt:   earnedAt,
		CreatedAt:  now,
	}
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertVerifierPayout(ctx, tx, payout)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindVerifierPayoutBySourceRef(ctx, tx, sourceRef)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrInvalidSourceRef
			}
			payout = existing
			return nil
		}
		created = true

		if _, err := s.ledgerSvc.CreateEntry(ctx, tx, ledgerdomain.SourceTypeVerifierPayout, payout.ID, currency, earnedAt, []ledgerdomain.Line{
			ledgerdomain.Debit(ledgerdomain.AccountCodeVerificationExpense, payout.Amount),
			ledgerdomain.Credit(ledgerdomain.AccountCodeVerifierPayable, payout.Amount),
		}); err != nil {
			return err
		}

		id := payout.ID.String()
		if s.auditSvc == nil {
			return nil
		}
		return s.auditSvc.AuditLog(ctx, tx, string(auditdomain.ActorTypeSystem), nil, "verifier_payout.recorded", "verifier_payout", &id, map[string]any{
			"verifier_id": payout.VerifierID.String(),
			"source_ref":  sourceRef,
			"amount":      payout.Amount,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return payout, created, nil
}

func (s *Service) payeeMessage(topic string, settlement *domain.Settlement, extra map[string]any) notificationdomain.Message {
	audience := notificationdomain.AudienceSeller
	if settlement.PayeeType == domain.PayeeTypeVerifier {
		audience = notificationdomain.AudienceVerifier
	}
	payload := map[string]any{
		"settlement_id": settlement.ID.String(),
		"payee_type":    string(settlement.PayeeType),
		"payee_id":      settlement.PayeeID.String(),
		"period_start":  settlement.PeriodStart.Format(time.RFC3339),
		"period_end":    settlement.PeriodEnd.Format(time.RFC3339),
		"currency":      settlement.Currency,
		"payout_amount": settlement.PayoutAmount,
		"status":        string(settlement.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return notificationdomain.Message{
		Topic:    topic,
		Key:      settlement.ID.String(),
		Audience: audience,
		Payload:  payload,
	}
}

func (s *Service) enqueue(ctx context.Context, tx *gorm.DB, msgs ...notificationdomain.Message) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, msgs...)
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, actor auditdomain.ActorType, action string, settlement *domain.Settlement, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	id := settlement.ID.String()
	return s.auditSvc.AuditLog(ctx, tx, string(actor), nil, action, "settlement", &id, metadata)
}
