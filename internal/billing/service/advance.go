package service

import (
	"context"
	"encoding/json"
	"fmt"

	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/observability/logger"
	orderdomain "github.com/smallbiznis/pawbill/internal/order/domain"
	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// recordSuccess books a settled charge: order, paid invoice, advanced cycle
// and history commit together. Notification follows the commit.
func (s *Service) recordSuccess(ctx context.Context, c *cycle, result *paymentdomain.ChargeResult) error {
	log := logger.WithContext(ctx, s.log)
	subscription := c.subscription
	invoice := c.invoice

	items, err := json.Marshal(subscription.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}

	orderID := s.genID.Generate()
	order := &orderdomain.Order{
		ID:             orderID,
		OrderNumber:    orderdomain.SubscriptionOrderNumber(c.now, orderID),
		CustomerID:     subscription.CustomerID,
		SubscriptionID: &subscription.ID,
		InvoiceID:      &invoice.ID,
		Status:         orderdomain.OrderStatusPaid,
		PaymentStatus:  orderdomain.PaymentStatusPaid,
		TotalCents:     invoice.TotalCents,
		Currency:       invoice.Currency,
		Items:          datatypes.JSON(items),
		IsSubscription: true,
		TransactionID:  result.TransactionID,
		CreatedAt:      c.now,
	}
	next := AdvanceBillingDate(c.today, subscription.NextBillingDate, subscription.Frequency)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Insert(ctx, tx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		paid, err := s.invoices.MarkPaid(ctx, tx, invoice.ID, result.TransactionID, orderID, c.now)
		if err != nil {
			return fmt.Errorf("%w: %w", billingdomain.ErrInvoiceBookkeeping, err)
		}
		if !paid {
			return fmt.Errorf("%w: invoice %s is no longer pending", billingdomain.ErrInvoiceBookkeeping, invoice.InvoiceNumber)
		}

		advanced, err := s.subscriptions.AdvanceCycle(ctx, tx, subscription.ID, subscription.Version, c.today, next, c.now)
		if err != nil {
			return err
		}
		if !advanced {
			return billingdomain.ErrConcurrentUpdate
		}

		return s.subscriptions.InsertHistory(ctx, tx, &subscriptiondomain.HistoryEntry{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			Action:         subscriptiondomain.HistoryActionPaymentSucceeded,
			OldStatus:      subscription.Status,
			NewStatus:      subscription.Status,
			ActorType:      subscriptiondomain.ActorTypeSystem,
			ActorID:        c.actor,
			Notes:          fmt.Sprintf("Payment succeeded. Invoice: %s, Transaction: %s", invoice.InvoiceNumber, result.TransactionID),
			CreatedAt:      c.now,
		})
	})
	if err != nil {
		// The customer was charged but nothing says so; this needs a human.
		s.metrics.IncUnrecordedCharge()
		log.Error("charge settled but billing records were not saved",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("transaction_id", result.TransactionID),
			zap.Int64("amount_cents", invoice.TotalCents),
			zap.Error(err),
		)
		s.keepSettledCharge(ctx, c, result.TransactionID)
		return fmt.Errorf("record settled charge %s: %w", result.TransactionID, err)
	}

	s.metrics.IncInvoiceTransition(string(invoicedomain.InvoiceStatusPending), string(invoicedomain.InvoiceStatusPaid))

	paidAt := c.now
	invoice.Status = invoicedomain.InvoiceStatusPaid
	invoice.PaidAt = &paidAt
	invoice.TransactionID = &result.TransactionID
	invoice.OrderID = &orderID
	invoice.NextRetryAt = nil
	invoice.LastError = nil
	invoice.UpdatedAt = c.now

	subscription.LastBillingDate = c.today
	subscription.NextBillingDate = next
	subscription.Version++
	subscription.UpdatedAt = c.now

	log.Info("subscription payment succeeded",
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("order_number", order.OrderNumber),
		zap.String("transaction_id", result.TransactionID),
		zap.String("next_billing_date", next.String()),
	)

	s.notifySucceeded(ctx, c, order.OrderNumber)
	return nil
}

// keepSettledCharge marks the pending invoice with the settled transaction so
// the next run records the payment instead of charging again.
func (s *Service) keepSettledCharge(ctx context.Context, c *cycle, transactionID string) {
	invoice := c.invoice
	if invoice.TransactionID != nil {
		return
	}
	log := logger.WithContext(ctx, s.log)
	kept, err := s.invoices.RecordSettledCharge(context.WithoutCancel(ctx), s.db, invoice.ID, transactionID, c.now)
	if err != nil {
		log.Error("failed to keep settled transaction on invoice",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return
	}
	if !kept {
		log.Error("invoice changed before settled transaction was kept",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("transaction_id", transactionID),
		)
		return
	}
	invoice.TransactionID = &transactionID
}
