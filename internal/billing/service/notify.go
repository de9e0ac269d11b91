package service

import (
	"context"
	"fmt"
	"runtime/debug"

	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	"github.com/smallbiznis/pawbill/internal/observability/logger"
	"go.uber.org/zap"
)

// Notifications run after the books are committed. Their failures are
// logged and counted and never reach the caller.

func (s *Service) notifySucceeded(ctx context.Context, c *cycle, orderNumber string) {
	s.notify(ctx, notificationdomain.EventPaymentSucceeded, c, func(customer *customerdomain.Customer) error {
		return s.notifier.NotifyPaymentSucceeded(ctx, notificationdomain.PaymentSucceeded{
			Customer:     *customer,
			Subscription: *c.subscription,
			Invoice:      *c.invoice,
			OrderNumber:  orderNumber,
		})
	})
}

func (s *Service) notifyFailed(ctx context.Context, c *cycle, message string, pastDue bool) {
	s.notify(ctx, notificationdomain.EventPaymentFailed, c, func(customer *customerdomain.Customer) error {
		return s.notifier.NotifyPaymentFailed(ctx, notificationdomain.PaymentFailed{
			Customer:     *customer,
			Subscription: *c.subscription,
			Invoice:      *c.invoice,
			ErrorMessage: message,
			PastDue:      pastDue,
		})
	})
}

func (s *Service) notify(ctx context.Context, eventType string, c *cycle, send func(*customerdomain.Customer) error) {
	log := logger.WithContext(ctx, s.log).With(zap.String("event_type", eventType))
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncNotificationFailure(eventType)
			log.Error("notification panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if s.notifier == nil {
		return
	}

	customer, err := s.customers.FindByID(ctx, s.db, c.subscription.CustomerID)
	if err == nil && customer == nil {
		err = fmt.Errorf("%w: %s", billingdomain.ErrCustomerNotFound, c.subscription.CustomerID)
	}
	if err == nil {
		err = send(customer)
	}
	if err != nil {
		s.metrics.IncNotificationFailure(eventType)
		log.Warn("billing notification failed", zap.Error(err))
	}
}
