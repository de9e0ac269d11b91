package service

import (
	"context"
	"fmt"

	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
)

func (s *Service) charge(ctx context.Context, c *cycle) (*paymentdomain.ChargeResult, error) {
	result, err := s.gateway.ChargeCustomerProfile(ctx, paymentdomain.ChargeRequest{
		CustomerProfileID: c.method.CustomerProfileID,
		PaymentProfileID:  c.method.PaymentProfileID,
		AmountCents:       c.invoice.TotalCents,
		Currency:          c.invoice.Currency,
		InvoiceNumber:     c.invoice.InvoiceNumber,
		Description:       fmt.Sprintf("Subscription payment - %s", c.subscription.Type),
	})
	if err != nil {
		return nil, err
	}
	if result == nil || result.TransactionID == "" {
		return nil, fmt.Errorf("%w: approved charge without transaction id", paymentdomain.ErrGatewayResponse)
	}
	return result, nil
}
