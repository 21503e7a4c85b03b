package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideLocker),
	fx.Provide(New),
	fx.Invoke(Register),
)

type lockerParams struct {
	fx.In

	Clock clock.Clock
	Redis *redis.Client `optional:"true"`
}

// provideLocker shares the redis client with the cache and rate limiter.
// Without redis, leases are per process: runs never overlap within a replica,
// and the reset compare-and-set keeps concurrent replicas safe.
func provideLocker(p lockerParams) JobLocker {
	if p.Redis == nil {
		return ratelimit.NewProcessLocker(p.Clock)
	}
	return ratelimit.NewLocker(p.Redis)
}

func Register(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			return sched.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return sched.Stop(ctx)
		},
	})
}
