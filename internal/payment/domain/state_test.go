package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from PaymentStatus
		to   PaymentStatus
		want bool
	}{
		{PaymentStatusCreated, PaymentStatusRequiresPaymentMethod, true},
		{PaymentStatusCreated, PaymentStatusSucceeded, true},
		{PaymentStatusRequiresPaymentMethod, PaymentStatusProcessing, true},
		{PaymentStatusProcessing, PaymentStatusRequiresPaymentMethod, true},
		{PaymentStatusProcessing, PaymentStatusSucceeded, true},
		{PaymentStatusProcessing, PaymentStatusFailed, true},
		{PaymentStatusSucceeded, PaymentStatusRefunded, true},
		{PaymentStatusSucceeded, PaymentStatusFailed, false},
		{PaymentStatusSucceeded, PaymentStatusProcessing, false},
		{PaymentStatusFailed, PaymentStatusSucceeded, false},
		{PaymentStatusRefunded, PaymentStatusSucceeded, false},
		{PaymentStatusProcessing, PaymentStatusProcessing, false},
		{PaymentStatusCreated, PaymentStatusRefunded, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPlatformFeeKeepsBalance(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int64
		fee    int64
	}{
		{9900, 1500, 1485},
		{10000, 1500, 1500},
		{333, 1500, 50},
		{1, 5000, 1},
		{0, 1500, 0},
		{5000, 0, 0},
		{12345, 250, 309},
	}
	for _, tc := range cases {
		fee := PlatformFee(tc.amount, tc.bps)
		if fee != tc.fee {
			t.Fatalf("PlatformFee(%d, %d) = %d, want %d", tc.amount, tc.bps, fee, tc.fee)
		}
		if seller := tc.amount - fee; seller+fee != tc.amount || seller < 0 {
			t.Fatalf("split does not balance for %d", tc.amount)
		}
	}
}

func TestNetPlatformFee(t *testing.T) {
	if got := NetPlatformFee(1485, 9900, 0); got != 1485 {
		t.Fatalf("no refund should keep fee, got %d", got)
	}
	if got := NetPlatformFee(1485, 9900, 9900); got != 0 {
		t.Fatalf("full refund should clear fee, got %d", got)
	}
	// 1485 * 4950 / 9900 = 742.5 rounds away from zero
	if got := NetPlatformFee(1485, 9900, 4950); got != 743 {
		t.Fatalf("half refund fee = %d, want 743", got)
	}
}

func TestTargetStatus(t *testing.T) {
	if status, ok := TargetStatus(EventTypePaymentSucceeded); !ok || status != PaymentStatusSucceeded {
		t.Fatalf("unexpected target %s", status)
	}
	if _, ok := TargetStatus(EventTypeRefundSucceeded); ok {
		t.Fatalf("refund events do not drive the payment state machine directly")
	}
}
