package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/entitlement"
	"github.com/smallbiznis/plangate/internal/observability"
	"github.com/smallbiznis/plangate/internal/planchange"
	"github.com/smallbiznis/plangate/internal/scheduler"
	subscriptionrepository "github.com/smallbiznis/plangate/internal/subscription/repository"
	"github.com/smallbiznis/plangate/pkg/db"
	"go.uber.org/fx"
)

// Sweep-only entrypoint. No HTTP surface; migrations are owned by the API
// process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domains the sweep needs
		scheduler.Module,
		planchange.Module,
		catalog.Module,
		entitlement.Module,
		fx.Provide(subscriptionrepository.Provide),

		fx.Invoke(scheduler.Start),
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
