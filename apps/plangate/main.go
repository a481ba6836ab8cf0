package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/migration"
	"github.com/smallbiznis/plangate/internal/observability"
	"github.com/smallbiznis/plangate/internal/server"
	"github.com/smallbiznis/plangate/pkg/db"
	"go.uber.org/fx"
)

// API-only entrypoint. The sweep loop runs in apps/scheduler.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

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
