package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PayoutConfig carries the operator-tunable money settings. It is reloaded
// from payout.yml without a restart.
type PayoutConfig struct {
	DefaultFeeRateBps  int64         `mapstructure:"default_fee_rate_bps"`
	SettlementSchedule string        `mapstructure:"settlement_schedule"`
	RolloverSchedule   string        `mapstructure:"rollover_schedule"`
	OutboxSchedule     string        `mapstructure:"outbox_schedule"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	JobLockTTL         time.Duration `mapstructure:"job_lock_ttl"`
}

func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		DefaultFeeRateBps:  1500,
		SettlementSchedule: "0 2 1 * *",
		RolloverSchedule:   "15 0 * * *",
		OutboxSchedule:     "@every 10s",
		OutboxBatchSize:    50,
		JobLockTTL:         10 * time.Minute,
	}
}

type payoutFile struct {
	Payout PayoutConfig `mapstructure:"payout"`
}

type PayoutConfigHolder struct {
	current atomic.Value // holds PayoutConfig
}

func NewPayoutConfigHolder(log *zap.Logger) (*PayoutConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.payout")

	v := viper.New()
	v.SetConfigName("payout")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/marketpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPayoutConfig()
	v.SetDefault("payout.default_fee_rate_bps", defaults.DefaultFeeRateBps)
	v.SetDefault("payout.settlement_schedule", defaults.SettlementSchedule)
	v.SetDefault("payout.rollover_schedule", defaults.RolloverSchedule)
	v.SetDefault("payout.outbox_schedule", defaults.OutboxSchedule)
	v.SetDefault("payout.outbox_batch_size", defaults.OutboxBatchSize)
	v.SetDefault("payout.job_lock_ttl", defaults.JobLockTTL)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodePayoutConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &PayoutConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePayoutConfig(v)
			if err != nil {
				log.Warn("payout config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("payout config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

// NewStaticPayoutConfigHolder pins a config without touching the filesystem.
func NewStaticPayoutConfigHolder(cfg PayoutConfig) *PayoutConfigHolder {
	holder := &PayoutConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PayoutConfigHolder) Get() PayoutConfig {
	if h == nil {
		return DefaultPayoutConfig()
	}
	return h.current.Load().(PayoutConfig)
}

func decodePayoutConfig(v *viper.Viper) (PayoutConfig, error) {
	var file payoutFile
	if err := v.Unmarshal(&file); err != nil {
		return PayoutConfig{}, err
	}
	if err := validatePayoutConfig(file.Payout); err != nil {
		return PayoutConfig{}, err
	}
	return file.Payout, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validatePayoutConfig(cfg PayoutConfig) error {
	if cfg.DefaultFeeRateBps < 0 || cfg.DefaultFeeRateBps > 10000 {
		return errors.New("payout.default_fee_rate_bps must be between 0 and 10000")
	}
	for key, spec := range map[string]string{
		"payout.settlement_schedule": cfg.SettlementSchedule,
		"payout.rollover_schedule":   cfg.RolloverSchedule,
		"payout.outbox_schedule":     cfg.OutboxSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			return errors.New(key + " cannot be empty")
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return errors.New(key + " is not a valid cron spec")
		}
	}
	if cfg.OutboxBatchSize <= 0 {
		return errors.New("payout.outbox_batch_size must be positive")
	}
	if cfg.JobLockTTL <= 0 {
		return errors.New("payout.job_lock_ttl must be positive")
	}
	return nil
}
