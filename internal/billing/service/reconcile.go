package service

import (
	"context"
	"fmt"
	"time"

	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/invoice/format"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/db"
	"go.uber.org/zap"
)

// Reconcile decides what to do with the invoice for the subscription's
// current cycle, given the most recent invoice on file.
func Reconcile(subscription *subscriptiondomain.Subscription, latest *invoicedomain.Invoice, now time.Time) (billingdomain.Decision, error) {
	if latest == nil || latest.BillingDate.Before(subscription.NextBillingDate) {
		return billingdomain.DecisionCreate, nil
	}
	if latest.BillingDate.After(subscription.NextBillingDate) {
		return 0, fmt.Errorf("%w: invoice %s billed %s, subscription cycle %s",
			billingdomain.ErrInvoiceAheadOfCycle, latest.InvoiceNumber, latest.BillingDate, subscription.NextBillingDate)
	}

	switch {
	case latest.Status == invoicedomain.InvoiceStatusPaid:
		return billingdomain.DecisionSkipPaid, nil
	case latest.Status == invoicedomain.InvoiceStatusPending && latest.IsSettled():
		return billingdomain.DecisionRecordSettled, nil
	case latest.Status == invoicedomain.InvoiceStatusFailed && latest.NextRetryAt != nil && latest.NextRetryAt.After(now):
		return billingdomain.DecisionSkipRetryWindow, nil
	default:
		return billingdomain.DecisionRetry, nil
	}
}

// reconcile applies the decision and returns the invoice to charge. Skip
// decisions return the untouched latest invoice.
func (s *Service) reconcile(ctx context.Context, subscription *subscriptiondomain.Subscription, now time.Time) (*invoicedomain.Invoice, billingdomain.Decision, error) {
	latest, err := s.invoices.FindLatestBySubscription(ctx, s.db, subscription.ID)
	if err != nil {
		return nil, 0, err
	}

	decision, err := Reconcile(subscription, latest, now)
	if err != nil {
		return nil, 0, err
	}
	log := logger.WithContext(ctx, s.log)

	switch decision {
	case billingdomain.DecisionCreate:
		invoice, err := s.createInvoice(ctx, subscription, now)
		if err != nil {
			return nil, decision, err
		}
		s.metrics.IncInvoiceTransition("", string(invoicedomain.InvoiceStatusPending))
		log.Info("invoice created",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("billing_date", invoice.BillingDate.String()),
		)
		return invoice, decision, nil

	case billingdomain.DecisionRetry:
		retried, err := s.invoices.MarkRetry(ctx, s.db, latest.ID, latest.AttemptCount, now)
		if err != nil {
			return nil, decision, fmt.Errorf("%w: %w", billingdomain.ErrInvoiceBookkeeping, err)
		}
		if !retried {
			return nil, decision, fmt.Errorf("%w: invoice %s changed before retry", billingdomain.ErrInvoiceBookkeeping, latest.InvoiceNumber)
		}
		s.metrics.IncInvoiceTransition(string(latest.Status), string(invoicedomain.InvoiceStatusPending))

		latest.Status = invoicedomain.InvoiceStatusPending
		latest.AttemptCount++
		latest.LastAttemptAt = &now
		latest.NextRetryAt = nil
		latest.UpdatedAt = now
		log.Info("retrying invoice",
			zap.String("invoice_number", latest.InvoiceNumber),
			zap.Int("attempt", latest.AttemptCount),
		)
		return latest, decision, nil

	case billingdomain.DecisionSkipPaid:
		log.Info("invoice already paid for current cycle, skipping",
			zap.String("invoice_number", latest.InvoiceNumber),
		)
	case billingdomain.DecisionRecordSettled:
		log.Warn("invoice has a settled charge without bookkeeping, recording it",
			zap.String("invoice_number", latest.InvoiceNumber),
			zap.String("transaction_id", *latest.TransactionID),
		)
	case billingdomain.DecisionSkipRetryWindow:
		log.Info("invoice retry not due yet, skipping",
			zap.String("invoice_number", latest.InvoiceNumber),
			zap.Time("next_retry_at", *latest.NextRetryAt),
		)
	}
	return latest, decision, nil
}

func (s *Service) createInvoice(ctx context.Context, subscription *subscriptiondomain.Subscription, now time.Time) (*invoicedomain.Invoice, error) {
	invoice := &invoicedomain.Invoice{
		ID:              s.genID.Generate(),
		SubscriptionID:  subscription.ID,
		InvoiceNumber:   format.InvoiceNumber(now, nil),
		Status:          invoicedomain.InvoiceStatusPending,
		SubtotalCents:   subscription.AmountCents,
		TotalCents:      subscription.AmountCents,
		Currency:        subscription.Currency,
		PaymentMethodID: subscription.PaymentMethodID,
		BillingDate:     subscription.NextBillingDate,
		DueDate:         subscription.NextBillingDate,
		AttemptCount:    1,
		LastAttemptAt:   &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.invoices.Insert(ctx, s.db, invoice); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: invoice for cycle %s already exists: %w",
				billingdomain.ErrInvoiceBookkeeping, subscription.NextBillingDate, err)
		}
		return nil, fmt.Errorf("%w: %w", billingdomain.ErrInvoiceBookkeeping, err)
	}
	return invoice, nil
}
