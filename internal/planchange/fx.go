package planchange

import (
	"github.com/smallbiznis/plangate/internal/planchange/repository"
	"github.com/smallbiznis/plangate/internal/planchange/service"
	"go.uber.org/fx"
)

var Module = fx.Module("planchange.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
