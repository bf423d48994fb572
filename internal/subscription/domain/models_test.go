package domain_test

import (
	"testing"
	"time"

	"github.com/smallbiznis/marketpay/internal/subscription/domain"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestIntervalNextClampsToMonthEnd(t *testing.T) {
	cases := []struct {
		name     string
		interval domain.Interval
		start    time.Time
		want     time.Time
	}{
		{"mid month", domain.IntervalMonthly, date(2026, 4, 15), date(2026, 5, 15)},
		{"jan 31", domain.IntervalMonthly, date(2026, 1, 31), date(2026, 2, 28)},
		{"jan 31 leap year", domain.IntervalMonthly, date(2028, 1, 31), date(2028, 2, 29)},
		{"may 31", domain.IntervalMonthly, date(2026, 5, 31), date(2026, 6, 30)},
		{"dec 31", domain.IntervalMonthly, date(2026, 12, 31), date(2027, 1, 31)},
		{"yearly", domain.IntervalYearly, date(2026, 3, 10), date(2027, 3, 10)},
		{"yearly feb 29", domain.IntervalYearly, date(2028, 2, 29), date(2029, 2, 28)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, tc.interval.Next(tc.start).Equal(tc.want), tc.interval.Next(tc.start))
		})
	}
}

func TestIntervalNextAfterFollowsAnchor(t *testing.T) {
	anchor := date(2026, 1, 31)

	require.True(t, domain.IntervalMonthly.NextAfter(anchor, date(2026, 2, 28)).Equal(date(2026, 3, 31)))
	require.True(t, domain.IntervalMonthly.NextAfter(anchor, date(2026, 3, 31)).Equal(date(2026, 4, 30)))
	require.True(t, domain.IntervalMonthly.NextAfter(anchor, date(2026, 4, 30)).Equal(date(2026, 5, 31)))
	require.True(t, domain.IntervalYearly.NextAfter(date(2028, 2, 29), date(2029, 2, 28)).Equal(date(2030, 2, 28)))
	require.True(t, domain.IntervalYearly.NextAfter(date(2028, 2, 29), date(2031, 3, 1)).Equal(date(2032, 2, 29)))

	// no usable anchor falls back to Next
	require.True(t, domain.IntervalMonthly.NextAfter(time.Time{}, date(2026, 1, 31)).Equal(date(2026, 2, 28)))
}
