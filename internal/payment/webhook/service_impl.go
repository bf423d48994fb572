package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Registry       *adapters.Registry
	Repo           paymentdomain.Repository
	SellerRepo     sellerdomain.Repository
	SettlementRepo settlementdomain.Repository
	LedgerSvc      ledgerdomain.Service
	PayoutCfg      *config.PayoutConfigHolder `optional:"true"`
	AuditSvc       auditdomain.Service        `optional:"true"`
	Outbox         notificationdomain.Outbox  `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	registry       *adapters.Registry
	repo           paymentdomain.Repository
	sellerRepo     sellerdomain.Repository
	settlementRepo settlementdomain.Repository
	ledgerSvc      ledgerdomain.Service
	payoutCfg      *config.PayoutConfigHolder
	auditSvc       auditdomain.Service
	outbox         notificationdomain.Outbox
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.webhook"),
		genID:          p.GenID,
		clock:          p.Clock,
		registry:       p.Registry,
		repo:           p.Repo,
		sellerRepo:     p.SellerRepo,
		settlementRepo: p.SettlementRepo,
		ledgerSvc:      p.LedgerSvc,
		payoutCfg:      p.PayoutCfg,
		auditSvc:       p.AuditSvc,
		outbox:         p.Outbox,
		obsMetrics:     p.ObsMetrics,
	}
}

// Ingest verifies, dedupes and applies one provider delivery. Rejections
// return a *WebhookError before anything is written.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return paymentdomain.WebhookResult{}, s.reject(ctx, provider, paymentdomain.WebhookReasonUnknownProvider, nil)
	}

	if !adapter.VerifyWebhookSignature(payload, headers) {
		return paymentdomain.WebhookResult{}, s.reject(ctx, provider, paymentdomain.WebhookReasonInvalidSignature, nil)
	}

	event, err := adapter.HandleWebhook(payload, headers)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrUnsupportedEvent) {
			s.log.Warn("unsupported webhook event rejected", zap.String("provider", provider), zap.Error(err))
			return paymentdomain.WebhookResult{}, s.reject(ctx, provider, paymentdomain.WebhookReasonUnsupportedEvent, err)
		}
		return paymentdomain.WebhookResult{}, s.reject(ctx, provider, paymentdomain.WebhookReasonInvalidPayload, err)
	}
	event.Provider = provider
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.ProviderPaymentID) == "" {
		return paymentdomain.WebhookResult{}, s.reject(ctx, provider, paymentdomain.WebhookReasonInvalidPayload, nil)
	}

	// fast path: replay without opening a write transaction
	stored, err := s.repo.FindEvent(ctx, s.db, provider, event.EventID)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if stored != nil && stored.ProcessedAt != nil {
		return s.replay(ctx, stored)
	}

	var result paymentdomain.WebhookResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		record := paymentdomain.EventRecord{
			ID:              s.genID.Generate(),
			Provider:        provider,
			ProviderEventID: event.EventID,
			EventType:       event.Type,
			Payload:         datatypes.JSON(payload),
			ReceivedAt:      now,
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			// a concurrent delivery won the insert and committed its result
			existing, err := s.repo.FindEvent(ctx, tx, provider, event.EventID)
			if err != nil {
				return err
			}
			if existing == nil {
				return paymentdomain.ErrInvalidPayload
			}
			result = decodeResult(existing)
			result.Duplicate = true
			return nil
		}

		result, err = s.apply(ctx, tx, event, now)
		if err != nil {
			return err
		}

		var paymentID *snowflake.ID
		if id, err := snowflake.ParseString(result.PaymentID); err == nil && id != 0 {
			paymentID = &id
		}
		return s.repo.MarkProcessed(ctx, tx, record.ID, paymentID, encodeResult(result), now)
	})
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}

	if result.Duplicate {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type, "duplicate")
	} else {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type, result.Outcome)
		s.log.Info("webhook processed",
			zap.String("provider", provider),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.String("outcome", result.Outcome),
			zap.String("payment_id", result.PaymentID),
		)
	}
	return result, nil
}

func (s *Service) reject(ctx context.Context, provider, reason string, cause error) error {
	s.obsMetrics.RecordWebhookRejected(ctx, provider, reason)
	return &paymentdomain.WebhookError{Provider: provider, Reason: reason, Err: cause}
}

func (s *Service) replay(ctx context.Context, stored *paymentdomain.EventRecord) (paymentdomain.WebhookResult, error) {
	result := decodeResult(stored)
	result.Duplicate = true
	s.obsMetrics.RecordPaymentEvent(ctx, stored.Provider, stored.EventType, "duplicate")
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, event paymentdomain.NormalizedEvent, now time.Time) (paymentdomain.WebhookResult, error) {
	payment, err := s.repo.FindPaymentByProviderID(ctx, tx, event.Provider, event.ProviderPaymentID, true)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if payment == nil {
		// not recorded, so the provider retries once checkout has committed
		return paymentdomain.WebhookResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: event.ProviderPaymentID}
	}
	order, err := s.repo.FindOrder(ctx, tx, payment.OrderID, true)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if order == nil {
		return paymentdomain.WebhookResult{}, &paymentdomain.PaymentError{Resource: "order", ID: payment.OrderID.String(), Err: paymentdomain.ErrOrderNotFound}
	}

	result := paymentdomain.WebhookResult{
		Provider:  event.Provider,
		EventID:   event.EventID,
		EventType: event.Type,
		PaymentID: payment.ID.String(),
		OrderID:   order.ID.String(),
	}

	switch event.Type {
	case paymentdomain.EventTypeRefundSucceeded:
		err = s.applyRefundSucceeded(ctx, tx, event, payment, order, now, &result)
	case paymentdomain.EventTypeRefundFailed:
		err = s.applyRefundFailed(ctx, tx, event, payment, order, now, &result)
	default:
		err = s.applyPaymentEvent(ctx, tx, event, payment, order, now, &result)
	}
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}

	result.PaymentStatus = string(payment.Status)
	result.OrderStatus = string(order.Status)
	return result, nil
}

func (s *Service) applyPaymentEvent(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	payment *paymentdomain.Payment,
	order *paymentdomain.Order,
	now time.Time,
	result *paymentdomain.WebhookResult,
) error {
	target, ok := paymentdomain.TargetStatus(event.Type)
	if !ok {
		return &paymentdomain.WebhookError{Provider: event.Provider, Reason: paymentdomain.WebhookReasonUnsupportedEvent}
	}
	if target == paymentdomain.PaymentStatusSucceeded && payment.Status == paymentdomain.PaymentStatusFailed {
		// buyer retried on the same intent; funds captured on a closed order
		s.log.Error("capture after failed payment",
			zap.String("payment_id", payment.ID.String()),
			zap.String("order_id", order.ID.String()),
			zap.Int64("captured", event.Amount),
		)
		result.Outcome = paymentdomain.OutcomeCapturedAfterFail
		if err := s.audit(ctx, tx, "payment.captured_after_failure", order.ID, map[string]any{
			"payment_id":      payment.ID.String(),
			"captured_amount": event.Amount,
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, notificationdomain.Message{
			Topic:    notificationdomain.TopicPaymentFailed,
			Key:      order.ID.String(),
			Audience: notificationdomain.AudienceOperator,
			Payload: map[string]any{
				"order_id":        order.ID.String(),
				"payment_id":      payment.ID.String(),
				"reason":          paymentdomain.OutcomeCapturedAfterFail,
				"captured_amount": event.Amount,
			},
		})
	}
	if !paymentdomain.CanTransition(payment.Status, target) {
		s.log.Info("out-of-order payment event ignored",
			zap.String("payment_id", payment.ID.String()),
			zap.String("from", string(payment.Status)),
			zap.String("to", string(target)),
		)
		result.Outcome = paymentdomain.OutcomeIgnoredTransition
		return nil
	}

	if target == paymentdomain.PaymentStatusSucceeded && event.Amount != 0 && event.Amount != payment.Amount {
		s.log.Error("captured amount does not match payment",
			zap.String("payment_id", payment.ID.String()),
			zap.Int64("expected", payment.Amount),
			zap.Int64("captured", event.Amount),
		)
		result.Outcome = paymentdomain.OutcomeAmountMismatch
		return s.enqueue(ctx, tx, notificationdomain.Message{
			Topic:    notificationdomain.TopicPaymentFailed,
			Key:      order.ID.String(),
			Audience: notificationdomain.AudienceOperator,
			Payload: map[string]any{
				"order_id":        order.ID.String(),
				"payment_id":      payment.ID.String(),
				"reason":          paymentdomain.OutcomeAmountMismatch,
				"expected_amount": payment.Amount,
				"captured_amount": event.Amount,
			},
		})
	}

	payment.Status = target
	payment.UpdatedAt = now
	if len(event.PaymentMethod) > 0 {
		payment.PaymentMethod = datatypes.JSONMap(event.PaymentMethod)
	}
	if event.FailureCode != "" || event.FailureMessage != "" {
		code, message := event.FailureCode, event.FailureMessage
		payment.FailureCode = &code
		payment.FailureMessage = &message
	}

	switch target {
	case paymentdomain.PaymentStatusSucceeded:
		if err := s.markPaid(ctx, tx, payment, order, now); err != nil {
			return err
		}
	case paymentdomain.PaymentStatusFailed:
		if err := s.markFailed(ctx, tx, event, payment, order, now); err != nil {
			return err
		}
	}

	if err := s.repo.SavePayment(ctx, tx, payment); err != nil {
		return err
	}
	result.Outcome = paymentdomain.OutcomeApplied
	return nil
}

// markPaid captures the seller's fee rate at this moment and accrues the split.
func (s *Service) markPaid(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, order *paymentdomain.Order, now time.Time) error {
	seller, err := s.sellerRepo.FindSeller(ctx, tx, order.SellerID)
	if err != nil {
		return err
	}
	feeRateBps := seller.EffectiveFeeRateBps(s.payoutCfg.Get().DefaultFeeRateBps)
	fee := paymentdomain.PlatformFee(order.Amount, feeRateBps)

	order.FeeRateBps = feeRateBps
	order.PlatformFee = fee
	order.SellerAmount = order.Amount - fee
	order.Status = paymentdomain.OrderStatusPaid
	order.AccessGranted = true
	order.PaidAt = &now
	order.FailureCode = nil
	order.FailureMessage = nil
	order.UpdatedAt = now
	if err := s.repo.SaveOrder(ctx, tx, order); err != nil {
		return err
	}

	if _, err := s.ledgerSvc.CreateEntry(ctx, tx, ledgerdomain.SourceTypePayment, payment.ID, order.Currency, now, []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeCash, order.Amount),
		ledgerdomain.Credit(ledgerdomain.AccountCodeSellerPayable, order.SellerAmount),
		ledgerdomain.Credit(ledgerdomain.AccountCodePlatformRevenue, order.PlatformFee),
	}); err != nil {
		return err
	}

	if err := s.audit(ctx, tx, "order.paid", order.ID, map[string]any{
		"payment_id":    payment.ID.String(),
		"amount":        order.Amount,
		"platform_fee":  order.PlatformFee,
		"seller_amount": order.SellerAmount,
		"fee_rate_bps":  feeRateBps,
	}); err != nil {
		return err
	}

	payload := map[string]any{
		"order_id":      order.ID.String(),
		"buyer_id":      order.BuyerID.String(),
		"seller_id":     order.SellerID.String(),
		"product_id":    order.ProductID.String(),
		"amount":        order.Amount,
		"currency":      order.Currency,
		"seller_amount": order.SellerAmount,
	}
	return s.enqueue(ctx, tx,
		notificationdomain.Message{Topic: notificationdomain.TopicOrderPaid, Key: order.ID.String(), Audience: notificationdomain.AudienceBuyer, Payload: payload},
		notificationdomain.Message{Topic: notificationdomain.TopicOrderPaid, Key: order.ID.String(), Audience: notificationdomain.AudienceSeller, Payload: payload},
	)
}

func (s *Service) markFailed(ctx context.Context, tx *gorm.DB, event paymentdomain.NormalizedEvent, payment *paymentdomain.Payment, order *paymentdomain.Order, now time.Time) error {
	code := event.FailureCode
	if code == "" {
		code = "payment_failed"
	}
	message := event.FailureMessage

	order.Status = paymentdomain.OrderStatusFailed
	order.FailureCode = &code
	order.FailureMessage = &message
	order.UpdatedAt = now
	if err := s.repo.SaveOrder(ctx, tx, order); err != nil {
		return err
	}

	if err := s.audit(ctx, tx, "order.failed", order.ID, map[string]any{
		"payment_id":   payment.ID.String(),
		"failure_code": code,
	}); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, notificationdomain.Message{
		Topic:    notificationdomain.TopicPaymentFailed,
		Key:      order.ID.String(),
		Audience: notificationdomain.AudienceBuyer,
		Payload: map[string]any{
			"order_id":        order.ID.String(),
			"failure_code":    code,
			"failure_message": message,
		},
	})
}

func (s *Service) applyRefundSucceeded(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	payment *paymentdomain.Payment,
	order *paymentdomain.Order,
	now time.Time,
	result *paymentdomain.WebhookResult,
) error {
	if payment.Status != paymentdomain.PaymentStatusSucceeded {
		result.Outcome = paymentdomain.OutcomeIgnoredRefund
		return nil
	}

	matched, err := s.matchRefund(ctx, tx, order.ID, event)
	if err != nil {
		return err
	}
	if matched != nil {
		result.RefundID = matched.ID.String()
	}

	// providers report a cumulative total when they can; that makes replays
	// and reordered partial refunds converge on the same state
	var delta int64
	switch {
	case event.RefundedTotal > 0:
		delta = event.RefundedTotal - order.RefundedAmount
	case matched != nil && !matched.InFlight():
		delta = 0
	case event.RefundAmount > 0:
		delta = event.RefundAmount
	case matched != nil:
		delta = matched.Amount
	}
	if remaining := order.Refundable(); delta > remaining {
		delta = remaining
	}
	if delta <= 0 {
		if event.RefundedTotal > 0 && matched != nil && matched.InFlight() {
			// an earlier cumulative total already moved this refund's money
			return s.closeCoveredRefund(ctx, tx, event, order, matched, now, result)
		}
		result.Outcome = paymentdomain.OutcomeIgnoredRefund
		return nil
	}

	shares, err := s.allocateRefund(ctx, tx, event, order, matched, delta)
	if err != nil {
		return err
	}

	leftover := delta
	for _, share := range shares {
		leftover -= share.amount
	}
	if leftover > 0 {
		// refund issued from the provider dashboard
		refund := &paymentdomain.Refund{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			PaymentID: payment.ID,
			Amount:    leftover,
			Currency:  order.Currency,
			Status:    paymentdomain.RefundStatusPending,
			Reason:    "provider_initiated",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if matched == nil && event.ProviderRefundID != "" {
			providerRefundID := event.ProviderRefundID
			refund.ProviderRefundID = &providerRefundID
		}
		if err := s.repo.CreateRefund(ctx, tx, refund); err != nil {
			return err
		}
		shares = append(shares, refundShare{refund: refund, amount: leftover})
	}

	for _, share := range shares {
		if err := s.applyRefundShare(ctx, tx, event, payment, order, share, now); err != nil {
			return err
		}
	}

	if result.RefundID == "" {
		result.RefundID = shares[0].refund.ID.String()
	}
	result.Outcome = paymentdomain.OutcomeApplied
	return nil
}

type refundShare struct {
	refund  *paymentdomain.Refund
	amount  int64
	matched bool
}

// allocateRefund splits a refunded delta over the order's in-flight refunds.
// The refund named by the event goes first; with a cumulative total the rest
// covers older in-flight refunds whose own events have not arrived yet.
func (s *Service) allocateRefund(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	order *paymentdomain.Order,
	matched *paymentdomain.Refund,
	delta int64,
) ([]refundShare, error) {
	var shares []refundShare
	remaining := delta
	if matched != nil && matched.InFlight() {
		amount := min(matched.Amount, remaining)
		if event.RefundedTotal == 0 {
			amount = remaining
		}
		shares = append(shares, refundShare{refund: matched, amount: amount, matched: true})
		remaining -= amount
	}
	if remaining <= 0 || event.RefundedTotal == 0 {
		return shares, nil
	}

	open, err := s.repo.ListOpenRefunds(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if matched != nil && open[i].ID == matched.ID {
			continue
		}
		if open[i].Amount > remaining {
			break
		}
		shares = append(shares, refundShare{refund: &open[i], amount: open[i].Amount})
		remaining -= open[i].Amount
	}
	return shares, nil
}

// applyRefundShare moves one refund's money: order totals, ledger reversal,
// settlement claw-back and notifications.
func (s *Service) applyRefundShare(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	payment *paymentdomain.Payment,
	order *paymentdomain.Order,
	share refundShare,
	now time.Time,
) error {
	refund := share.refund
	previousFee := paymentdomain.NetPlatformFee(order.PlatformFee, order.Amount, order.RefundedAmount)
	order.RefundedAmount += share.amount
	feeReversal := previousFee - paymentdomain.NetPlatformFee(order.PlatformFee, order.Amount, order.RefundedAmount)
	sellerReversal := share.amount - feeReversal

	if order.RefundedAmount >= order.Amount {
		order.Status = paymentdomain.OrderStatusRefunded
		order.AccessGranted = false
		payment.Status = paymentdomain.PaymentStatusRefunded
		payment.UpdatedAt = now
		if err := s.repo.SavePayment(ctx, tx, payment); err != nil {
			return err
		}
	}
	order.UpdatedAt = now
	if err := s.repo.SaveOrder(ctx, tx, order); err != nil {
		return err
	}

	if share.matched && event.ProviderRefundID != "" {
		providerRefundID := event.ProviderRefundID
		refund.ProviderRefundID = &providerRefundID
	}
	refund.Status = paymentdomain.RefundStatusSucceeded
	refund.FailureCode = nil
	refund.FailureMessage = nil
	refund.UpdatedAt = now

	if _, err := s.ledgerSvc.CreateEntry(ctx, tx, ledgerdomain.SourceTypeRefund, refund.ID, order.Currency, now, []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeSellerPayable, sellerReversal),
		ledgerdomain.Debit(ledgerdomain.AccountCodePlatformRevenue, feeReversal),
		ledgerdomain.Credit(ledgerdomain.AccountCodeCash, share.amount),
	}); err != nil {
		return err
	}

	if order.SettlementID != nil {
		// the seller was already paid for this order; claw back from the next settlement
		if _, err := s.settlementRepo.InsertAdjustment(ctx, tx, &settlementdomain.SettlementAdjustment{
			ID:           s.genID.Generate(),
			PayeeType:    settlementdomain.PayeeTypeSeller,
			PayeeID:      order.SellerID,
			OrderID:      order.ID,
			RefundID:     refund.ID,
			Currency:     order.Currency,
			Amount:       -share.amount,
			PlatformFee:  -feeReversal,
			PayoutAmount: -sellerReversal,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		refund.SettlementAdjusted = true
	}
	if err := s.repo.SaveRefund(ctx, tx, refund); err != nil {
		return err
	}

	if err := s.audit(ctx, tx, "order.refunded", order.ID, map[string]any{
		"refund_id":           refund.ID.String(),
		"amount":              share.amount,
		"refunded_amount":     order.RefundedAmount,
		"platform_fee_return": feeReversal,
		"settlement_adjusted": refund.SettlementAdjusted,
	}); err != nil {
		return err
	}

	payload := map[string]any{
		"order_id":        order.ID.String(),
		"refund_id":       refund.ID.String(),
		"amount":          share.amount,
		"currency":        order.Currency,
		"refunded_amount": order.RefundedAmount,
		"fully_refunded":  order.Status == paymentdomain.OrderStatusRefunded,
	}
	if err := s.enqueue(ctx, tx,
		notificationdomain.Message{Topic: notificationdomain.TopicRefundSucceeded, Key: order.ID.String(), Audience: notificationdomain.AudienceBuyer, Payload: payload},
		notificationdomain.Message{Topic: notificationdomain.TopicRefundSucceeded, Key: order.ID.String(), Audience: notificationdomain.AudienceSeller, Payload: payload},
	); err != nil {
		return err
	}

	s.obsMetrics.RecordRefund(ctx, event.Provider, string(paymentdomain.RefundStatusSucceeded))
	return nil
}

// closeCoveredRefund marks an in-flight refund succeeded without moving money.
func (s *Service) closeCoveredRefund(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	order *paymentdomain.Order,
	refund *paymentdomain.Refund,
	now time.Time,
	result *paymentdomain.WebhookResult,
) error {
	if event.ProviderRefundID != "" {
		providerRefundID := event.ProviderRefundID
		refund.ProviderRefundID = &providerRefundID
	}
	refund.Status = paymentdomain.RefundStatusSucceeded
	refund.UpdatedAt = now
	if err := s.repo.SaveRefund(ctx, tx, refund); err != nil {
		return err
	}
	if err := s.audit(ctx, tx, "refund.covered", order.ID, map[string]any{
		"refund_id":       refund.ID.String(),
		"refunded_amount": order.RefundedAmount,
	}); err != nil {
		return err
	}
	s.obsMetrics.RecordRefund(ctx, event.Provider, string(paymentdomain.RefundStatusSucceeded))
	result.Outcome = paymentdomain.OutcomeApplied
	result.RefundID = refund.ID.String()
	return nil
}

func (s *Service) applyRefundFailed(
	ctx context.Context,
	tx *gorm.DB,
	event paymentdomain.NormalizedEvent,
	payment *paymentdomain.Payment,
	order *paymentdomain.Order,
	now time.Time,
	result *paymentdomain.WebhookResult,
) error {
	refund, err := s.matchRefund(ctx, tx, order.ID, event)
	if err != nil {
		return err
	}
	if refund == nil {
		result.Outcome = paymentdomain.OutcomeUnknownRefund
		return s.enqueue(ctx, tx, s.refundFailedMessage(order, nil, event))
	}
	result.RefundID = refund.ID.String()
	if refund.Status == paymentdomain.RefundStatusSucceeded || refund.Status == paymentdomain.RefundStatusFailed {
		result.Outcome = paymentdomain.OutcomeIgnoredRefund
		return nil
	}

	code := event.FailureCode
	if code == "" {
		code = "refund_failed"
	}
	message := event.FailureMessage
	if event.ProviderRefundID != "" {
		providerRefundID := event.ProviderRefundID
		refund.ProviderRefundID = &providerRefundID
	}
	refund.Status = paymentdomain.RefundStatusFailed
	refund.FailureCode = &code
	refund.FailureMessage = &message
	refund.UpdatedAt = now
	if err := s.repo.SaveRefund(ctx, tx, refund); err != nil {
		return err
	}

	if err := s.audit(ctx, tx, "refund.failed", order.ID, map[string]any{
		"refund_id":    refund.ID.String(),
		"payment_id":   payment.ID.String(),
		"failure_code": code,
	}); err != nil {
		return err
	}

	msg := s.refundFailedMessage(order, refund, event)
	buyer := msg
	buyer.Audience = notificationdomain.AudienceBuyer
	if err := s.enqueue(ctx, tx, msg, buyer); err != nil {
		return err
	}

	s.obsMetrics.RecordRefund(ctx, event.Provider, string(paymentdomain.RefundStatusFailed))
	result.Outcome = paymentdomain.OutcomeApplied
	return nil
}

func (s *Service) refundFailedMessage(order *paymentdomain.Order, refund *paymentdomain.Refund, event paymentdomain.NormalizedEvent) notificationdomain.Message {
	payload := map[string]any{
		"order_id":           order.ID.String(),
		"provider_refund_id": event.ProviderRefundID,
		"failure_code":       event.FailureCode,
		"failure_message":    event.FailureMessage,
	}
	if refund != nil {
		payload["refund_id"] = refund.ID.String()
		payload["amount"] = refund.Amount
	}
	return notificationdomain.Message{
		Topic:    notificationdomain.TopicRefundFailed,
		Key:      order.ID.String(),
		Audience: notificationdomain.AudienceOperator,
		Payload:  payload,
	}
}

func (s *Service) matchRefund(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, event paymentdomain.NormalizedEvent) (*paymentdomain.Refund, error) {
	refund, err := s.repo.FindRefundByProviderID(ctx, tx, orderID, event.ProviderRefundID)
	if err != nil || refund != nil {
		return refund, err
	}
	return s.repo.FindOpenRefund(ctx, tx, orderID, event.RefundAmount)
}

func (s *Service) enqueue(ctx context.Context, tx *gorm.DB, msgs ...notificationdomain.Message) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, msgs...)
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action string, orderID snowflake.ID, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	id := orderID.String()
	return s.auditSvc.AuditLog(ctx, tx, string(auditdomain.ActorTypeProvider), nil, action, "order", &id, metadata)
}

func encodeResult(result paymentdomain.WebhookResult) datatypes.JSONMap {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return datatypes.JSONMap(out)
}

func decodeResult(record *paymentdomain.EventRecord) paymentdomain.WebhookResult {
	result := paymentdomain.WebhookResult{
		Provider:  record.Provider,
		EventID:   record.ProviderEventID,
		EventType: record.EventType,
	}
	if len(record.Result) == 0 {
		return result
	}
	raw, err := json.Marshal(record.Result)
	if err != nil {
		return result
	}
	_ = json.Unmarshal(raw, &result)
	return result
}
