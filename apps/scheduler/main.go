package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/metricspush"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/observability"
	"github.com/smallbiznis/meterline/internal/scheduler"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metricspush.Module,
		migration.Module,

		// Domain services required by scheduler
		server.Services,
		scheduler.Module,

		// No server module!
		fx.Decorate(ForceEnabled),
	)
	app.Run()
}

// defaultNodeID keeps the binaries apart when SNOWFLAKE_NODE_ID is unset.
// Replicas of one binary still need distinct ids from the environment.
const defaultNodeID = 2

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID(defaultNodeID))
}

// ForceEnabled runs the cron regardless of SCHEDULER_ENABLED; this binary
// exists only to run it.
func ForceEnabled(cfg scheduler.Config) scheduler.Config {
	cfg.Enabled = true
	return cfg
}
