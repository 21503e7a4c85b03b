package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultInterval = time.Minute

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(NewFleet),
	fx.Invoke(Register),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Pusher    Pusher `optional:"true"`
	Fleet     *Fleet
	DB        *gorm.DB
	Log       *zap.Logger
}

// Register starts the push loop when a pusher is configured. The final push
// runs on stop so short-lived processes still report.
func Register(p Params) {
	if p.Pusher == nil {
		return
	}
	log := p.Log.Named("metrics.push")

	interval := time.Duration(p.Cfg.Push.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	w := &worker{
		pusher:   p.Pusher,
		fleet:    p.Fleet,
		db:       p.DB,
		log:      log,
		gatherer: prometheus.Gatherers{p.Fleet.Gatherer(), prometheus.DefaultGatherer},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics push worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				w.loop(ctx, interval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-done
			if err := w.pushOnce(stopCtx); err != nil {
				log.Warn("final metrics push failed", zap.Error(err))
			}
			return nil
		},
	})
}

type worker struct {
	pusher   Pusher
	fleet    *Fleet
	db       *gorm.DB
	log      *zap.Logger
	gatherer prometheus.Gatherer
}

func (w *worker) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.pushOnce(ctx); err != nil {
				w.log.Warn("periodic metrics push failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) pushOnce(ctx context.Context) error {
	if err := w.fleet.Refresh(ctx, w.db); err != nil {
		w.log.Warn("fleet metrics refresh failed", zap.Error(err))
	}
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	return w.pusher.Push(pushCtx, w.gatherer)
}
