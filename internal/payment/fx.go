package payment

import (
	"github.com/smallbiznis/pawbill/internal/payment/adapters"
	"github.com/smallbiznis/pawbill/internal/payment/adapters/authorizenet"
	"github.com/smallbiznis/pawbill/internal/payment/adapters/sandbox"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.gateway",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			authorizenet.NewFactory(),
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(NewGateway),
)
