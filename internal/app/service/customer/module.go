package customer

import "go.uber.org/fx"

// Module exposes the customer directory via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
