package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fableloom/loom-credits/internal/clock"
	"github.com/fableloom/loom-credits/internal/config"
	"github.com/fableloom/loom-credits/internal/credits"
	"github.com/fableloom/loom-credits/internal/migration"
	"github.com/fableloom/loom-credits/internal/observability"
	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/fableloom/loom-credits/internal/ratelimit"
	"github.com/fableloom/loom-credits/internal/scheduler"
	"github.com/fableloom/loom-credits/internal/server"
	"github.com/fableloom/loom-credits/pkg/db"
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
		migration.Module,
		ratelimit.Module,

		// Functional domains
		pricing.Module,
		credits.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
