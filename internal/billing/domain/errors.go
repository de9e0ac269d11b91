package domain

import "errors"

var (
	ErrGatewayNotConfigured  = errors.New("payment_gateway_not_configured")
	ErrMissingPaymentMethod  = errors.New("missing_payment_method")
	ErrPaymentMethodNotFound = errors.New("payment_method_not_found")
	ErrInvoiceBookkeeping    = errors.New("invoice_bookkeeping_failed")
	ErrInvoiceAheadOfCycle   = errors.New("invoice_ahead_of_cycle")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrConcurrentUpdate      = errors.New("concurrent_subscription_update")
	ErrCustomerNotFound      = errors.New("customer_not_found")
)
