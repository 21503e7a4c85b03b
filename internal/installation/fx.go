package installation

import (
	"github.com/smallbiznis/meterline/internal/installation/repository"
	"github.com/smallbiznis/meterline/internal/installation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("installation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
