package plan

import "go.uber.org/fx"

// Module exposes the plan registry via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
