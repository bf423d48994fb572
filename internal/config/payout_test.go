package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPayoutConfigDefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewPayoutConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, int64(1500), cfg.DefaultFeeRateBps)
	assert.Equal(t, "0 2 1 * *", cfg.SettlementSchedule)
	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 10*time.Minute, cfg.JobLockTTL)
}

func TestValidatePayoutConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PayoutConfig)
		ok     bool
	}{
		{name: "defaults", mutate: func(*PayoutConfig) {}, ok: true},
		{name: "fee above 100%", mutate: func(c *PayoutConfig) { c.DefaultFeeRateBps = 10001 }},
		{name: "negative fee", mutate: func(c *PayoutConfig) { c.DefaultFeeRateBps = -1 }},
		{name: "bad cron", mutate: func(c *PayoutConfig) { c.SettlementSchedule = "every day" }},
		{name: "empty cron", mutate: func(c *PayoutConfig) { c.OutboxSchedule = " " }},
		{name: "zero batch", mutate: func(c *PayoutConfig) { c.OutboxBatchSize = 0 }},
		{name: "zero ttl", mutate: func(c *PayoutConfig) { c.JobLockTTL = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPayoutConfig()
			tc.mutate(&cfg)
			err := validatePayoutConfig(cfg)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *PayoutConfigHolder
	assert.Equal(t, DefaultPayoutConfig(), holder.Get())
}
