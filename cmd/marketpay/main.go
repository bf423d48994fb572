package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/migration"
	"github.com/smallbiznis/marketpay/internal/observability"
	"github.com/smallbiznis/marketpay/internal/scheduler"
	"github.com/smallbiznis/marketpay/internal/server"
	"github.com/smallbiznis/marketpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// HTTP surface and the domain modules behind it
		server.Module,

		// Background work
		migration.Module,
		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the id node. Each replica needs its own SNOWFLAKE_NODE.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
