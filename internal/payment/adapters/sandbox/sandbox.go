// Package sandbox approves every charge without contacting a gateway. It is
// meant for local development and demo environments.
package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"

	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "sandbox"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Gateway, error) {
	return &Adapter{}, nil
}

type Adapter struct {
	seq atomic.Int64
}

func (a *Adapter) Provider() string {
	return "sandbox"
}

func (a *Adapter) IsConfigured() bool {
	return true
}

func (a *Adapter) ChargeCustomerProfile(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 || req.CustomerProfileID == "" || req.PaymentProfileID == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}
	return &paymentdomain.ChargeResult{
		TransactionID: fmt.Sprintf("sandbox-%d", a.seq.Add(1)),
		ResponseCode:  "1",
		AuthCode:      "SANDBOX",
		AccountNumber: "XXXX0000",
		AccountType:   "Sandbox",
	}, nil
}
