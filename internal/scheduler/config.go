package scheduler

import (
	"time"
)

// Config controls per-job deadlines and which jobs this instance runs.
type Config struct {
	SettlementTimeout time.Duration
	RolloverTimeout   time.Duration
	OutboxTimeout     time.Duration
	// EnabledJobs limits this instance to the named jobs; empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		SettlementTimeout: 30 * time.Minute,
		RolloverTimeout:   10 * time.Minute,
		OutboxTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SettlementTimeout <= 0 {
		c.SettlementTimeout = defaults.SettlementTimeout
	}
	if c.RolloverTimeout <= 0 {
		c.RolloverTimeout = defaults.RolloverTimeout
	}
	if c.OutboxTimeout <= 0 {
		c.OutboxTimeout = defaults.OutboxTimeout
	}
	return c
}
