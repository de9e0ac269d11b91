package domain

import (
	"context"

	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
)

const (
	EventPaymentSucceeded = "subscription.payment.success"
	EventPaymentFailed    = "subscription.payment.failed"
)

// PaymentSucceeded describes a settled cycle. Subscription carries the
// advanced billing dates.
type PaymentSucceeded struct {
	Customer     customerdomain.Customer
	Subscription subscriptiondomain.Subscription
	Invoice      invoicedomain.Invoice
	OrderNumber  string
}

// PaymentFailed describes a declined or errored attempt. Subscription carries
// the status after the failure was recorded.
type PaymentFailed struct {
	Customer     customerdomain.Customer
	Subscription subscriptiondomain.Subscription
	Invoice      invoicedomain.Invoice
	ErrorMessage string
	// PastDue is set when this failure moved the subscription to past_due.
	PastDue bool
}

// Notifier delivers customer-facing billing notifications. Callers treat
// errors as advisory.
type Notifier interface {
	NotifyPaymentSucceeded(ctx context.Context, event PaymentSucceeded) error
	NotifyPaymentFailed(ctx context.Context, event PaymentFailed) error
}
