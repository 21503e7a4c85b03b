package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/meterline/internal/clock"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockLicenses struct {
	licensedomain.Service
	mock.Mock
}

func (m *mockLicenses) Reset(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockLocker) Release(ctx context.Context, key, token string) error {
	return m.Called(ctx, key, token).Error(0)
}

type fixture struct {
	sched    *Scheduler
	licenses *mockLicenses
	registry *prometheus.Registry
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, locker JobLocker) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	now := time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC)
	registry := prometheus.NewRegistry()
	metrics := obsmetrics.NewSchedulerMetrics(registry, obsmetrics.Config{ServiceName: "meterline", Environment: "test"})
	licenses := &mockLicenses{}

	p := Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(now),
		Config:   cfg,
		Licenses: licenses,
		Metrics:  metrics,
	}
	if locker != nil {
		p.Locker = locker
	}
	sched, err := New(p)
	require.NoError(t, err)
	return &fixture{sched: sched, licenses: licenses, registry: registry, now: now}
}

func counter(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func counterWithLabel(t *testing.T, registry *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestRunJob_ResetsAndRecordsProcessed(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.licenses.On("Reset", mock.Anything, f.now).Return(3, nil).Once()

	require.NoError(t, f.sched.RunJob(context.Background(), JobLicenseReset))

	f.licenses.AssertExpectations(t)
	assert.Equal(t, float64(1), counter(t, f.registry, "meterline_scheduler_job_runs_total"))
	assert.Equal(t, float64(3), counter(t, f.registry, "meterline_scheduler_job_processed_total"))
	assert.Equal(t, float64(0), counter(t, f.registry, "meterline_scheduler_job_errors_total"))
}

func TestRunJob_TimeoutIsSoft(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: 5 * time.Millisecond}, nil)
	f.licenses.On("Reset", mock.Anything, f.now).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(0, context.DeadlineExceeded).Once()

	require.NoError(t, f.sched.RunJob(context.Background(), JobLicenseReset))
	assert.Equal(t, float64(1), counter(t, f.registry, "meterline_scheduler_job_timeouts_total"))
	assert.Equal(t, float64(1), counterWithLabel(t, f.registry, "meterline_scheduler_job_errors_total", "reason", obsmetrics.SchedulerJobReasonDeadlineExceeded))
}

func TestRunJob_ErrorIsReturned(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	boom := errors.New("boom")
	f.licenses.On("Reset", mock.Anything, f.now).Return(1, boom).Once()

	err := f.sched.RunJob(context.Background(), JobLicenseReset)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, float64(1), counter(t, f.registry, "meterline_scheduler_job_errors_total"))
	assert.Equal(t, float64(1), counter(t, f.registry, "meterline_scheduler_job_processed_total"))
}

func TestRunJob_SkipsWhenLockHeld(t *testing.T) {
	locker := &mockLocker{}
	locker.On("TryLock", mock.Anything, "meterline:scheduler:lock:license_reset", 5*time.Minute).Return("", false, nil).Once()
	f := newFixture(t, Config{}, locker)

	require.NoError(t, f.sched.RunJob(context.Background(), JobLicenseReset))
	f.licenses.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything)
	assert.Equal(t, float64(1), counter(t, f.registry, "meterline_scheduler_job_skipped_total"))
	locker.AssertExpectations(t)
}

func TestRunJob_ReleasesLock(t *testing.T) {
	locker := &mockLocker{}
	key := "meterline:scheduler:lock:license_reset"
	locker.On("TryLock", mock.Anything, key, mock.Anything).Return("tok-1", true, nil).Once()
	locker.On("Release", mock.Anything, key, "tok-1").Return(nil).Once()
	f := newFixture(t, Config{}, locker)
	f.licenses.On("Reset", mock.Anything, f.now).Return(0, nil).Once()

	require.NoError(t, f.sched.RunJob(context.Background(), JobLicenseReset))
	locker.AssertExpectations(t)
}

func TestRunJob_LockErrorFails(t *testing.T) {
	locker := &mockLocker{}
	locker.On("TryLock", mock.Anything, mock.Anything, mock.Anything).Return("", false, errors.New("redis down")).Once()
	f := newFixture(t, Config{}, locker)

	err := f.sched.RunJob(context.Background(), JobLicenseReset)
	assert.Error(t, err)
	f.licenses.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything)
}

func TestRunJob_ProcessLockerWithoutRedis(t *testing.T) {
	locker := provideLocker(lockerParams{Clock: clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))})
	require.IsType(t, &ratelimit.ProcessLocker{}, locker)

	f := newFixture(t, Config{}, locker)
	ctx := context.Background()
	key := "meterline:scheduler:lock:license_reset"

	held, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.sched.RunJob(ctx, JobLicenseReset))
	f.licenses.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything)

	require.NoError(t, locker.Release(ctx, key, held))
	f.licenses.On("Reset", mock.Anything, f.now).Return(2, nil).Once()
	require.NoError(t, f.sched.RunJob(ctx, JobLicenseReset))
	f.licenses.AssertExpectations(t)

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease is released after the run")
}

func TestRunJob_UnknownJob(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.ErrorIs(t, f.sched.RunJob(context.Background(), "nope"), ErrUnknownJob)
}

func TestNew_RejectsBadSpec(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	_, err = New(Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewSystemClock(),
		Config:   Config{ResetSpec: "every tuesday"},
		Licenses: &mockLicenses{},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{LockTTL: time.Minute}.withDefaults()
	assert.Equal(t, "@hourly", cfg.ResetSpec)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.JobTimeout, "job timeout is capped by the lock ttl")
}
