package token

import "go.uber.org/fx"

// Module exposes the token ledger service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
