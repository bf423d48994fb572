package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSettlementRun        = "settlement_run"
	JobSubscriptionRollover = "subscription_rollover"
	JobOutboxDispatch       = "outbox_dispatch"

	lockKeyPrefix = "marketpay:scheduler:"
)

var ErrInvalidConfig = errors.New("scheduler: invalid dependencies")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SettlementSvc   settlementdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Dispatcher      notificationdomain.Dispatcher `optional:"true"`
	Locker          *ratelimit.Locker             `optional:"true"`
	PayoutCfg       *config.PayoutConfigHolder    `optional:"true"`
	Config          Config                        `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	settlementSvc   settlementdomain.Service
	subscriptionSvc subscriptiondomain.Service
	dispatcher      notificationdomain.Dispatcher
	locker          *ratelimit.Locker
	payoutCfg       *config.PayoutConfigHolder
	cron            *cron.Cron
}

type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SettlementSvc == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	return &Scheduler{
		log:             log,
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		settlementSvc:   p.SettlementSvc,
		subscriptionSvc: p.SubscriptionSvc,
		dispatcher:      p.Dispatcher,
		locker:          p.Locker,
		payoutCfg:       p.PayoutCfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log.Sugar()})),
		),
	}, nil
}

func (s *Scheduler) jobs() []job {
	payout := s.payoutCfg.Get()
	jobs := []job{
		{JobSettlementRun, payout.SettlementSchedule, s.cfg.SettlementTimeout, s.SettlementJob},
		{JobSubscriptionRollover, payout.RolloverSchedule, s.cfg.RolloverTimeout, s.RolloverJob},
	}
	if s.dispatcher != nil {
		jobs = append(jobs, job{JobOutboxDispatch, payout.OutboxSchedule, s.cfg.OutboxTimeout, s.OutboxJob})
	}
	return jobs
}

// Start registers every enabled job with cron and starts it. Schedules are
// read once; a reloaded payout.yml applies to schedules on the next start.
func (s *Scheduler) Start() error {
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() {
			if err := s.runJob(context.Background(), j.name, j.timeout, j.run); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		s.log.Info("scheduler job registered",
			zap.String("job", j.name),
			zap.String("schedule", j.schedule),
		)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every enabled job immediately, in order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
		}
	}
	return err
}

// runJob wraps one execution with the cross-instance lock, a deadline and
// job metrics. A deadline is a soft failure: the next tick picks up the rest.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	ttl := s.payoutCfg.Get().JobLockTTL
	if ttl < timeout {
		ttl = timeout
	}
	var err error
	ran, lockErr := s.locker.WithLock(ctx, lockKeyPrefix+name, ttl, func(ctx context.Context) error {
		schedMetrics.IncJobRun(name)
		if owner {
			s.logJobStart(ctx, run)
		}
		err = fn(ctx)
		return err
	})
	if lockErr != nil && err == nil {
		err = lockErr
	}
	if !ran && lockErr == nil {
		schedMetrics.IncJobSkipped(name)
		log.Debug("job skipped; lock held by another instance")
		return nil
	}
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// SettlementJob settles the calendar month before now for every payee.
func (s *Scheduler) SettlementJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSettlementRun)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	start, end := settlementdomain.PreviousMonthPeriod(s.clock.Now())
	result, err := s.settlementSvc.RunPeriod(ctx, start, end)
	run.AddProcessed(result.Created)
	obsmetrics.Scheduler().AddBatchProcessed(JobSettlementRun, obsmetrics.BatchResourceSettlements, result.Created)
	s.logger(ctx).Info("settlement period processed",
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("created", result.Created),
		zap.Int("existing", result.Existing),
		zap.Int("failed", result.Failed),
	)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.settlement.failed", err)
	}
	return err
}

// RolloverJob closes subscription periods that ended before now.
func (s *Scheduler) RolloverJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSubscriptionRollover)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.subscriptionSvc.Rollover(ctx, s.clock.Now())
	processed := result.Renewed + result.Cancelled
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobSubscriptionRollover, obsmetrics.BatchResourceSubscriptions, processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.rollover.failed", err,
			zap.Int("failed", result.Failed),
		)
	}
	return err
}

// OutboxJob drains due outbox messages until a batch comes back short.
func (s *Scheduler) OutboxJob(ctx context.Context) error {
	if s.dispatcher == nil {
		return nil
	}
	ctx, run, owner := s.ensureJobRun(ctx, JobOutboxDispatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	batch := s.payoutCfg.Get().OutboxBatchSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		published, err := s.dispatcher.Dispatch(ctx)
		run.AddProcessed(published)
		obsmetrics.Scheduler().AddBatchProcessed(JobOutboxDispatch, obsmetrics.BatchResourceOutbox, published)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.outbox.failed", err)
			return err
		}
		if published < batch {
			return nil
		}
	}
}
