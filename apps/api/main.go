package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/metricspush"
	"github.com/smallbiznis/meterline/internal/observability"
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

		// Ingestion, licensing and reporting; the reset sweep runs in apps/scheduler.
		server.Services,
		server.Module,
	)
	app.Run()
}

// defaultNodeID keeps the binaries apart when SNOWFLAKE_NODE_ID is unset.
// Replicas of one binary still need distinct ids from the environment.
const defaultNodeID = 3

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID(defaultNodeID))
}
