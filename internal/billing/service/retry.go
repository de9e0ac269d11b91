package service

import (
	"context"
	"errors"
	"fmt"

	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordFailure marks the invoice failed, schedules the next attempt and
// moves the subscription to past_due once the attempt threshold is reached.
// The returned error always wraps chargeErr.
func (s *Service) recordFailure(ctx context.Context, c *cycle, chargeErr error) error {
	log := logger.WithContext(ctx, s.log)
	policy := s.policy.Get()
	subscription := c.subscription
	invoice := c.invoice

	message := errorMessage(chargeErr)
	attempt := invoice.AttemptCount
	nextRetryAt := c.now.Add(policy.RetryDelay(attempt))
	pastDue := policy.IsPastDue(attempt)

	oldStatus := subscription.Status
	newStatus := oldStatus
	if pastDue {
		newStatus = subscriptiondomain.SubscriptionStatusPastDue
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed, err := s.invoices.MarkFailed(ctx, tx, invoice.ID, message, nextRetryAt, c.now)
		if err != nil {
			return fmt.Errorf("%w: %w", billingdomain.ErrInvoiceBookkeeping, err)
		}
		if !failed {
			return fmt.Errorf("%w: invoice %s is no longer pending", billingdomain.ErrInvoiceBookkeeping, invoice.InvoiceNumber)
		}

		if newStatus != oldStatus {
			updated, err := s.subscriptions.UpdateStatus(ctx, tx, subscription.ID, subscription.Version, newStatus, c.now)
			if err != nil {
				return err
			}
			if !updated {
				return billingdomain.ErrConcurrentUpdate
			}
		}

		return s.subscriptions.InsertHistory(ctx, tx, &subscriptiondomain.HistoryEntry{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			Action:         subscriptiondomain.HistoryActionPaymentFailed,
			OldStatus:      oldStatus,
			NewStatus:      newStatus,
			ActorType:      subscriptiondomain.ActorTypeSystem,
			ActorID:        c.actor,
			Notes:          fmt.Sprintf("Payment failed. Attempt %d. %s", attempt, message),
			CreatedAt:      c.now,
		})
	})
	if err != nil {
		log.Error("failed to record payment failure",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return fmt.Errorf("charge failed: %w", errors.Join(chargeErr, err))
	}

	s.metrics.IncInvoiceTransition(string(invoicedomain.InvoiceStatusPending), string(invoicedomain.InvoiceStatusFailed))
	s.metrics.IncSubscriptionTransition(string(oldStatus), string(newStatus))

	invoice.Status = invoicedomain.InvoiceStatusFailed
	invoice.LastError = &message
	invoice.NextRetryAt = &nextRetryAt
	invoice.UpdatedAt = c.now
	if newStatus != oldStatus {
		subscription.Status = newStatus
		subscription.Version++
		subscription.UpdatedAt = c.now
	}

	log.Warn("subscription payment failed",
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.Int("attempt", attempt),
		zap.Time("next_retry_at", nextRetryAt),
		zap.Bool("past_due", pastDue),
		zap.String("error_message", message),
	)

	s.notifyFailed(ctx, c, message, pastDue)
	return fmt.Errorf("charge failed: %w", chargeErr)
}
