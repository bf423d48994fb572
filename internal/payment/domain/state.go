package domain

import "github.com/shopspring/decimal"

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated: {
		PaymentStatusRequiresPaymentMethod,
		PaymentStatusProcessing,
		PaymentStatusSucceeded,
		PaymentStatusFailed,
	},
	PaymentStatusRequiresPaymentMethod: {
		PaymentStatusProcessing,
		PaymentStatusSucceeded,
		PaymentStatusFailed,
	},
	PaymentStatusProcessing: {
		PaymentStatusRequiresPaymentMethod,
		PaymentStatusSucceeded,
		PaymentStatusFailed,
	},
	PaymentStatusSucceeded: {
		PaymentStatusRefunded,
	},
}

// CanTransition reports whether a payment may move from one status to
// another. FAILED and REFUNDED are terminal.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TargetStatus maps a normalized payment event to the payment status it drives.
func TargetStatus(eventType string) (PaymentStatus, bool) {
	switch eventType {
	case EventTypePaymentSucceeded:
		return PaymentStatusSucceeded, true
	case EventTypePaymentFailed:
		return PaymentStatusFailed, true
	case EventTypePaymentProcessing:
		return PaymentStatusProcessing, true
	case EventTypePaymentRequiresPaymentMethod:
		return PaymentStatusRequiresPaymentMethod, true
	default:
		return "", false
	}
}

// PlatformFee applies a basis-point commission rounding half up.
func PlatformFee(amount, feeRateBps int64) int64 {
	if amount <= 0 || feeRateBps <= 0 {
		return 0
	}
	return (amount*feeRateBps + 5000) / 10000
}

// NetPlatformFee scales the captured fee down to the amount still kept after
// refunds, rounding half away from zero.
func NetPlatformFee(platformFee, amount, refunded int64) int64 {
	if amount <= 0 || refunded >= amount {
		return 0
	}
	if refunded <= 0 {
		return platformFee
	}
	return decimal.NewFromInt(platformFee).
		Mul(decimal.NewFromInt(amount - refunded)).
		Div(decimal.NewFromInt(amount)).
		Round(0).
		IntPart()
}
