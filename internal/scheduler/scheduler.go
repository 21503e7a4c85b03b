package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/meterline/internal/clock"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobLicenseReset = "license_reset"

	lockKeyPrefix = "meterline:scheduler:lock:"
)

var (
	ErrInvalidConfig = errors.New("invalid scheduler config")
	ErrUnknownJob    = errors.New("unknown_job")
)

// JobLocker grants one replica the right to run a job. TryLock returns
// ok=false without error when another holder owns the key.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config
	Licenses licensedomain.Service
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
	Locker   JobLocker                    `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	licenses licensedomain.Service
	metrics  *obsmetrics.SchedulerMetrics
	locker   JobLocker
	cron     *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Licenses == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if _, err := cron.ParseStandard(cfg.ResetSpec); err != nil {
		return nil, fmt.Errorf("%w: reset spec %q: %v", ErrInvalidConfig, cfg.ResetSpec, err)
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	return &Scheduler{
		log:      log,
		cfg:      cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		licenses: p.Licenses,
		metrics:  p.Metrics,
		locker:   p.Locker,
	}, nil
}

// Start registers the jobs on a UTC cron and runs one sweep immediately so
// licenses that came due while no worker was running are not left waiting.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{log: s.log.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(s.cfg.ResetSpec, func() {
		if err := s.RunJob(context.Background(), JobLicenseReset); err != nil {
			s.log.Warn("scheduled job failed", zap.String("job", JobLicenseReset), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", JobLicenseReset, err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.String("reset_spec", s.cfg.ResetSpec))

	go func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("startup sweep failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every job once, in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.RunJob(ctx, JobLicenseReset)
}

func (s *Scheduler) RunJob(parent context.Context, name string) error {
	fn, ok := s.jobs()[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.runJob(parent, name, s.cfg.JobTimeout, fn)
}

func (s *Scheduler) jobs() map[string]func(context.Context, *jobRun) error {
	return map[string]func(context.Context, *jobRun) error{
		JobLicenseReset: s.LicenseResetJob,
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	ctx, run := s.newJobRun(parent, name)

	token, acquired, err := s.acquire(ctx, name)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	if !acquired {
		s.metrics.IncJobSkipped(name)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", name), zap.String("run_id", run.runID))
		return nil
	}
	defer s.release(name, token)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)
	start := s.clock.Now()

	err = fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.metrics.AddProcessed(name, run.processedCount)
	if err != nil {
		s.logJobError(ctx, run, err)
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	// Deadlines are soft: the next tick resumes where this one stopped.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) acquire(ctx context.Context, name string) (string, bool, error) {
	if s.locker == nil {
		return "", true, nil
	}
	return s.locker.TryLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL)
}

func (s *Scheduler) release(name, token string) {
	if s.locker == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, lockKeyPrefix+name, token); err != nil {
		s.log.Warn("release job lock failed", zap.String("job", name), zap.Error(err))
	}
}

// LicenseResetJob refills every license whose reset date has passed.
func (s *Scheduler) LicenseResetJob(ctx context.Context, run *jobRun) error {
	n, err := s.licenses.Reset(ctx, s.clock.Now())
	run.AddProcessed(n)
	return err
}
