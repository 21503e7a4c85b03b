package signature

import "go.uber.org/fx"

var Module = fx.Module("signature.guard",
	fx.Provide(New),
)
