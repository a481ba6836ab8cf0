package provider

import (
	"github.com/smallbiznis/plangate/internal/provider/stripeapi"
	"github.com/smallbiznis/plangate/internal/provider/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(stripeapi.New),
	fx.Provide(webhook.New),
)
