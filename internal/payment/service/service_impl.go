package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultLookupAttempts = 3
	defaultLookupInterval = 200 * time.Millisecond
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *adapters.Registry
	Repo       paymentdomain.Repository
	SellerRepo sellerdomain.Repository
	PayoutCfg  *config.PayoutConfigHolder `optional:"true"`
	AuditSvc   auditdomain.Service        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *adapters.Registry
	repo       paymentdomain.Repository
	sellerRepo sellerdomain.Repository
	payoutCfg  *config.PayoutConfigHolder
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics

	lookupAttempts uint
	lookupInterval time.Duration
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		repo:       p.Repo,
		sellerRepo: p.SellerRepo,
		payoutCfg:  p.PayoutCfg,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,

		lookupAttempts: defaultLookupAttempts,
		lookupInterval: defaultLookupInterval,
	}
}

func (s *Service) Checkout(ctx context.Context, req paymentdomain.CheckoutRequest) (paymentdomain.CheckoutResponse, error) {
	req, err := normalizeCheckout(req)
	if err != nil {
		return paymentdomain.CheckoutResponse{}, err
	}
	if !s.registry.ProviderExists(req.Provider) {
		return paymentdomain.CheckoutResponse{}, paymentdomain.ErrProviderNotFound
	}
	provider, err := s.registry.Get(req.Provider)
	if err != nil {
		return paymentdomain.CheckoutResponse{}, err
	}

	seller, err := s.sellerRepo.FindSeller(ctx, s.db, req.SellerID)
	if err != nil {
		return paymentdomain.CheckoutResponse{}, err
	}
	// provisional split; the fee is recaptured from the seller's rate when the payment succeeds
	feeRateBps := seller.EffectiveFeeRateBps(s.payoutCfg.Get().DefaultFeeRateBps)
	platformFee := paymentdomain.PlatformFee(req.Amount, feeRateBps)

	now := s.clock.Now().UTC()
	order := paymentdomain.Order{
		ID:           s.genID.Generate(),
		BuyerID:      req.BuyerID,
		BuyerEmail:   req.BuyerEmail,
		SellerID:     req.SellerID,
		ProductID:    req.ProductID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		FeeRateBps:   feeRateBps,
		PlatformFee:  platformFee,
		SellerAmount: req.Amount - platformFee,
		Status:       paymentdomain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	payment := paymentdomain.Payment{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		Provider:  provider.Name(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    paymentdomain.PaymentStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateOrder(ctx, tx, &order); err != nil {
			return err
		}
		return s.repo.CreatePayment(ctx, tx, &payment)
	}); err != nil {
		return paymentdomain.CheckoutResponse{}, err
	}

	intent, err := provider.CreatePaymentIntent(ctx, paymentdomain.CreateIntentParams{
		OrderID:        order.ID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		BuyerEmail:     order.BuyerEmail,
		Description:    "marketpay order " + order.ID.String(),
		IdempotencyKey: "checkout-" + order.ID.String(),
		Metadata: map[string]string{
			"order_id":   order.ID.String(),
			"payment_id": payment.ID.String(),
			"seller_id":  order.SellerID.String(),
		},
	})
	if err != nil {
		s.log.Warn("create payment intent failed",
			zap.String("provider", payment.Provider),
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		if markErr := s.failCheckout(ctx, &order, &payment, err); markErr != nil {
			s.log.Error("failed to record checkout failure", zap.String("order_id", order.ID.String()), zap.Error(markErr))
		}
		var procErr *paymentdomain.PaymentProcessingError
		if errors.As(err, &procErr) {
			return paymentdomain.CheckoutResponse{}, err
		}
		return paymentdomain.CheckoutResponse{}, &paymentdomain.PaymentProcessingError{
			Provider: payment.Provider,
			Op:       "create_payment_intent",
			Message:  err.Error(),
			Err:      fmt.Errorf("%w: %w", paymentdomain.ErrProviderUnavailable, err),
		}
	}

	intentID := intent.ID
	payment.ProviderPaymentID = &intentID
	if intent.ClientSecret != "" {
		secret := intent.ClientSecret
		payment.ClientSecret = &secret
	}
	if next, ok := statusFromProvider(intent.Status); ok && paymentdomain.CanTransition(payment.Status, next) {
		payment.Status = next
	}
	payment.UpdatedAt = s.clock.Now().UTC()

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.SavePayment(ctx, tx, &payment); err != nil {
			return err
		}
		return s.audit(ctx, tx, "order.created", "order", order.ID, map[string]any{
			"payment_id":   payment.ID.String(),
			"provider":     payment.Provider,
			"amount":       order.Amount,
			"currency":     order.Currency,
			"fee_rate_bps": feeRateBps,
		})
	}); err != nil {
		return paymentdomain.CheckoutResponse{}, err
	}

	return paymentdomain.CheckoutResponse{
		OrderID:           order.ID,
		PaymentID:         payment.ID,
		Provider:          payment.Provider,
		ProviderPaymentID: intent.ID,
		ClientSecret:      intent.ClientSecret,
		CustomerID:        intent.CustomerID,
		Amount:            order.Amount,
		Currency:          order.Currency,
		Status:            payment.Status,
	}, nil
}

func (s *Service) failCheckout(ctx context.Context, order *paymentdomain.Order, payment *paymentdomain.Payment, cause error) error {
	code := failureCode(cause)
	message := cause.Error()
	now := s.clock.Now().UTC()

	payment.Status = paymentdomain.PaymentStatusFailed
	payment.FailureCode = &code
	payment.FailureMessage = &message
	payment.UpdatedAt = now

	order.Status = paymentdomain.OrderStatusFailed
	order.FailureCode = &code
	order.FailureMessage = &message
	order.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.SavePayment(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.repo.SaveOrder(ctx, tx, order); err != nil {
			return err
		}
		return s.audit(ctx, tx, "order.failed", "order", order.ID, map[string]any{
			"failure_code": code,
			"stage":        "create_payment_intent",
		})
	})
}

// ConfirmPayment forwards the buyer's authorization to the provider. It never
// marks the order paid; only the provider webhook does.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID snowflake.ID, paymentMethodID string) (paymentdomain.ConfirmResponse, error) {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentID == 0 || paymentMethodID == "" {
		return paymentdomain.ConfirmResponse{}, paymentdomain.ErrInvalidRequest
	}

	payment, err := s.repo.FindPayment(ctx, s.db, paymentID, false)
	if err != nil {
		return paymentdomain.ConfirmResponse{}, err
	}
	if payment == nil {
		return paymentdomain.ConfirmResponse{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentID.String()}
	}
	if !confirmable(payment.Status) || payment.ProviderPaymentID == nil {
		return paymentdomain.ConfirmResponse{}, paymentdomain.ErrInvalidPaymentState
	}

	provider, err := s.registry.Get(payment.Provider)
	if err != nil {
		return paymentdomain.ConfirmResponse{}, err
	}
	result, err := provider.ConfirmPayment(ctx, paymentdomain.ConfirmParams{
		PaymentID:       *payment.ProviderPaymentID,
		PaymentMethodID: paymentMethodID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
	})
	if err != nil {
		return paymentdomain.ConfirmResponse{}, err
	}

	var resp paymentdomain.ConfirmResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if current == nil {
			return &paymentdomain.PaymentError{Resource: "payment", ID: paymentID.String()}
		}

		next := confirmTarget(result.Status)
		if current.Status != next && paymentdomain.CanTransition(current.Status, next) {
			current.Status = next
		}
		if ref := strings.TrimSpace(result.ProviderReference); ref != "" {
			current.ProviderReference = &ref
		}
		if len(result.PaymentMethod) > 0 {
			current.PaymentMethod = datatypes.JSONMap(result.PaymentMethod)
		}
		if result.FailureCode != "" || result.FailureMessage != "" {
			code, message := result.FailureCode, result.FailureMessage
			current.FailureCode = &code
			current.FailureMessage = &message
		} else {
			current.FailureCode = nil
			current.FailureMessage = nil
		}
		current.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.SavePayment(ctx, tx, current); err != nil {
			return err
		}

		resp = paymentdomain.ConfirmResponse{
			PaymentID:      current.ID,
			Status:         current.Status,
			FailureCode:    result.FailureCode,
			FailureMessage: result.FailureMessage,
		}
		return s.audit(ctx, tx, "payment.confirmed", "payment", current.ID, map[string]any{
			"provider":        current.Provider,
			"provider_status": result.Status,
			"failure_code":    result.FailureCode,
		})
	})
	if err != nil {
		return paymentdomain.ConfirmResponse{}, err
	}
	return resp, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID snowflake.ID) (paymentdomain.PaymentView, error) {
	if paymentID == 0 {
		return paymentdomain.PaymentView{}, paymentdomain.ErrInvalidRequest
	}
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID, false)
	if err != nil {
		return paymentdomain.PaymentView{}, err
	}
	if payment == nil {
		return paymentdomain.PaymentView{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentID.String()}
	}
	order, err := s.repo.FindOrder(ctx, s.db, payment.OrderID, false)
	if err != nil {
		return paymentdomain.PaymentView{}, err
	}
	if order == nil {
		return paymentdomain.PaymentView{}, &paymentdomain.PaymentError{Resource: "order", ID: payment.OrderID.String(), Err: paymentdomain.ErrOrderNotFound}
	}

	view := paymentdomain.PaymentView{Payment: *payment, Order: *order}
	ref := payment.ProviderRef()
	if ref == "" {
		return view, nil
	}

	provider, err := s.registry.Get(payment.Provider)
	if err != nil {
		return paymentdomain.PaymentView{}, err
	}
	details, err := s.lookupWithRetry(ctx, provider, ref)
	if err != nil {
		var notFound *paymentdomain.PaymentError
		if errors.As(err, &notFound) {
			return paymentdomain.PaymentView{}, err
		}
		// local state stays authoritative when the provider is unreachable
		s.log.Warn("provider payment lookup failed",
			zap.String("provider", payment.Provider),
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
		return view, nil
	}
	view.Provider = &details
	return view, nil
}

// lookupWithRetry retries reads only; writes to the provider are never retried.
func (s *Service) lookupWithRetry(ctx context.Context, provider paymentdomain.Provider, ref string) (paymentdomain.PaymentDetails, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.lookupInterval
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (paymentdomain.PaymentDetails, error) {
		details, err := provider.GetPayment(ctx, ref)
		if err == nil {
			return details, nil
		}
		var procErr *paymentdomain.PaymentProcessingError
		if errors.As(err, &procErr) {
			return paymentdomain.PaymentDetails{}, err
		}
		return paymentdomain.PaymentDetails{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.lookupAttempts))
}

func (s *Service) RequestRefund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.Refund, error) {
	if req.OrderID == 0 {
		return paymentdomain.Refund{}, paymentdomain.ErrInvalidRequest
	}
	if req.Amount != nil && *req.Amount <= 0 {
		return paymentdomain.Refund{}, paymentdomain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "requested_by_customer"
	}

	var (
		refund  paymentdomain.Refund
		payment *paymentdomain.Payment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.FindOrder(ctx, tx, req.OrderID, true)
		if err != nil {
			return err
		}
		if order == nil {
			return &paymentdomain.PaymentError{Resource: "order", ID: req.OrderID.String(), Err: paymentdomain.ErrOrderNotFound}
		}
		if order.Status != paymentdomain.OrderStatusPaid && order.Status != paymentdomain.OrderStatusCompleted {
			return paymentdomain.ErrOrderNotRefundable
		}

		payment, err = s.repo.FindPaymentByOrder(ctx, tx, order.ID, true)
		if err != nil {
			return err
		}
		if payment == nil || payment.Status != paymentdomain.PaymentStatusSucceeded {
			return paymentdomain.ErrOrderNotRefundable
		}

		open, err := s.repo.SumOpenRefunds(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		remaining := order.Refundable() - open

		amount := remaining
		if req.Amount != nil {
			amount = *req.Amount
		}
		if amount <= 0 || amount > remaining {
			return &paymentdomain.RefundError{
				Provider: payment.Provider,
				Code:     "amount_exceeds_refundable",
				Message:  fmt.Sprintf("requested %d, refundable %d", amount, remaining),
				Err:      paymentdomain.ErrRefundExceedsRefundable,
			}
		}

		now := s.clock.Now().UTC()
		refund = paymentdomain.Refund{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			PaymentID: payment.ID,
			Amount:    amount,
			Currency:  order.Currency,
			Status:    paymentdomain.RefundStatusPending,
			Reason:    reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateRefund(ctx, tx, &refund); err != nil {
			return err
		}
		return s.audit(ctx, tx, "refund.requested", "order", order.ID, map[string]any{
			"refund_id": refund.ID.String(),
			"amount":    amount,
			"reason":    reason,
		})
	})
	if err != nil {
		return paymentdomain.Refund{}, err
	}

	provider, err := s.registry.Get(payment.Provider)
	if err != nil {
		return paymentdomain.Refund{}, s.failRefund(ctx, &refund, payment.Provider, err)
	}

	amount := refund.Amount
	result, err := provider.RefundPayment(ctx, payment.ProviderRef(), &amount, refund.Reason, "refund-"+refund.ID.String())
	if err != nil {
		return paymentdomain.Refund{}, s.failRefund(ctx, &refund, payment.Provider, err)
	}
	if result.Status == paymentdomain.ProviderStatusFailed {
		return paymentdomain.Refund{}, s.failRefund(ctx, &refund, payment.Provider, &paymentdomain.RefundError{
			Provider: payment.Provider,
			RefundID: result.ID,
			Code:     result.FailureCode,
			Message:  result.FailureMessage,
		})
	}

	// the provider webhook confirms the refund and moves the money
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindRefund(ctx, tx, refund.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &paymentdomain.PaymentError{Resource: "refund", ID: refund.ID.String(), Err: paymentdomain.ErrRefundNotFound}
		}
		if result.ID != "" {
			providerRefundID := result.ID
			current.ProviderRefundID = &providerRefundID
		}
		if current.Status == paymentdomain.RefundStatusPending {
			current.Status = paymentdomain.RefundStatusProcessing
		}
		current.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.SaveRefund(ctx, tx, current); err != nil {
			return err
		}
		refund = *current
		return nil
	})
	if err != nil {
		return paymentdomain.Refund{}, err
	}

	s.obsMetrics.RecordRefund(ctx, payment.Provider, string(refund.Status))
	return refund, nil
}

func (s *Service) failRefund(ctx context.Context, refund *paymentdomain.Refund, provider string, cause error) error {
	var refundErr *paymentdomain.RefundError
	if !errors.As(cause, &refundErr) {
		refundErr = &paymentdomain.RefundError{
			Provider: provider,
			Message:  cause.Error(),
			Err:      fmt.Errorf("%w: %w", paymentdomain.ErrRefundFailed, cause),
		}
	}

	code := refundErr.Code
	if code == "" {
		code = failureCode(cause)
	}
	message := refundErr.Message
	refund.Status = paymentdomain.RefundStatusFailed
	refund.FailureCode = &code
	refund.FailureMessage = &message
	refund.UpdatedAt = s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.SaveRefund(ctx, tx, refund); err != nil {
			return err
		}
		return s.audit(ctx, tx, "refund.failed", "refund", refund.ID, map[string]any{
			"order_id":     refund.OrderID.String(),
			"failure_code": code,
		})
	})
	if err != nil {
		s.log.Error("failed to record refund failure", zap.String("refund_id", refund.ID.String()), zap.Error(err))
	}

	s.log.Warn("refund submission failed",
		zap.String("provider", provider),
		zap.String("refund_id", refund.ID.String()),
		zap.Error(cause),
	)
	s.obsMetrics.RecordRefund(ctx, provider, string(paymentdomain.RefundStatusFailed))
	return refundErr
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action, targetType string, targetID snowflake.ID, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	id := targetID.String()
	return s.auditSvc.AuditLog(ctx, tx, "", nil, action, targetType, &id, metadata)
}

func normalizeCheckout(req paymentdomain.CheckoutRequest) (paymentdomain.CheckoutRequest, error) {
	if req.BuyerID == 0 || req.SellerID == 0 || req.ProductID == 0 {
		return req, paymentdomain.ErrInvalidRequest
	}
	if req.Amount <= 0 {
		return req, paymentdomain.ErrInvalidAmount
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return req, paymentdomain.ErrInvalidCurrency
	}
	req.BuyerEmail = strings.TrimSpace(req.BuyerEmail)
	if _, err := mail.ParseAddress(req.BuyerEmail); err != nil {
		return req, paymentdomain.ErrInvalidEmail
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		return req, paymentdomain.ErrProviderNotFound
	}
	return req, nil
}

func confirmable(status paymentdomain.PaymentStatus) bool {
	switch status {
	case paymentdomain.PaymentStatusCreated,
		paymentdomain.PaymentStatusRequiresPaymentMethod,
		paymentdomain.PaymentStatusProcessing:
		return true
	}
	return false
}

// confirmTarget keeps confirmation on the pre-capture side of the state
// machine: success waits for the webhook and failure lets the buyer retry.
func confirmTarget(providerStatus string) paymentdomain.PaymentStatus {
	switch providerStatus {
	case paymentdomain.ProviderStatusSucceeded, paymentdomain.ProviderStatusProcessing:
		return paymentdomain.PaymentStatusProcessing
	default:
		return paymentdomain.PaymentStatusRequiresPaymentMethod
	}
}

func statusFromProvider(providerStatus string) (paymentdomain.PaymentStatus, bool) {
	switch providerStatus {
	case paymentdomain.ProviderStatusRequiresPaymentMethod:
		return paymentdomain.PaymentStatusRequiresPaymentMethod, true
	case paymentdomain.ProviderStatusProcessing:
		return paymentdomain.PaymentStatusProcessing, true
	}
	return "", false
}

func failureCode(err error) string {
	var procErr *paymentdomain.PaymentProcessingError
	if errors.As(err, &procErr) && procErr.Code != "" {
		return procErr.Code
	}
	var refundErr *paymentdomain.RefundError
	if errors.As(err, &refundErr) && refundErr.Code != "" {
		return refundErr.Code
	}
	switch {
	case errors.Is(err, paymentdomain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, paymentdomain.ErrPaymentNotFound):
		return "payment_not_found"
	case errors.Is(err, paymentdomain.ErrRefundFailed):
		return "refund_failed"
	}
	return "provider_error"
}
