package trialguard

import (
	"github.com/smallbiznis/plangate/internal/trialguard/repository"
	"github.com/smallbiznis/plangate/internal/trialguard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("trialguard.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
