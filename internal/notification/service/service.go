package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/pawbill/internal/config"
	"github.com/smallbiznis/pawbill/internal/invoice/format"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	"github.com/smallbiznis/pawbill/internal/observability/metrics"
	"github.com/smallbiznis/pawbill/internal/observability/tracing"
	"github.com/smallbiznis/pawbill/internal/providers/email"
	"github.com/smallbiznis/pawbill/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	channelGHL   = "ghl"
	channelEmail = "email"
	channelSlack = "slack"
	channelNone  = "none"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Email   email.Provider
	Slack   slack.Provider
	Metrics *metrics.Metrics `optional:"true"`
}

// Service routes customer notifications to the GHL webhook when configured,
// otherwise to SMTP. Past-due transitions also raise an ops alert in Slack.
type Service struct {
	log          *zap.Logger
	ghl          *GHLClient
	email        email.Provider
	emailEnabled bool
	slack        slack.Provider
	slackChannel string
	metrics      *metrics.Metrics
}

func New(p Params) notificationdomain.Notifier {
	s := &Service{
		log:          p.Log.Named("notification.service"),
		email:        p.Email,
		emailEnabled: p.Config.Email.Enabled(),
		slackChannel: p.Config.Slack.Channel,
		metrics:      p.Metrics,
	}
	if p.Config.Slack.WebhookURL != "" {
		s.slack = p.Slack
	}
	if p.Config.GHL.WebhookURL != "" {
		s.ghl = NewGHLClient(p.Config.GHL.WebhookURL, p.Config.GHL.APIKey,
			tracing.WrapHTTPClient(&http.Client{Timeout: p.Config.GHL.Timeout}))
	}
	return s
}

func (s *Service) NotifyPaymentSucceeded(ctx context.Context, event notificationdomain.PaymentSucceeded) error {
	switch {
	case s.ghl != nil:
		return s.record(ctx, channelGHL, notificationdomain.EventPaymentSucceeded, s.ghl.PaymentSucceeded(ctx, event))
	case s.emailEnabled:
		err := s.email.SendTemplate(ctx, []string{event.Customer.Email}, "payment_succeeded", succeededEmail(event))
		return s.record(ctx, channelEmail, notificationdomain.EventPaymentSucceeded, err)
	default:
		s.skip(ctx, notificationdomain.EventPaymentSucceeded, event.Subscription.ID.String())
		return nil
	}
}

func (s *Service) NotifyPaymentFailed(ctx context.Context, event notificationdomain.PaymentFailed) error {
	var errs []error
	switch {
	case s.ghl != nil:
		errs = append(errs, s.record(ctx, channelGHL, notificationdomain.EventPaymentFailed, s.ghl.PaymentFailed(ctx, event)))
	case s.emailEnabled:
		err := s.email.SendTemplate(ctx, []string{event.Customer.Email}, "payment_failed", failedEmail(event))
		errs = append(errs, s.record(ctx, channelEmail, notificationdomain.EventPaymentFailed, err))
	default:
		s.skip(ctx, notificationdomain.EventPaymentFailed, event.Subscription.ID.String())
	}

	if event.PastDue && s.slack != nil {
		message := fmt.Sprintf(":rotating_light: Subscription %s is past due after %d failed attempts (invoice %s, %s). Last error: %s",
			event.Subscription.ID,
			event.Invoice.AttemptCount,
			event.Invoice.InvoiceNumber,
			format.Money(event.Invoice.TotalCents, event.Invoice.Currency),
			event.ErrorMessage,
		)
		err := s.slack.PostMessage(ctx, s.slackChannel, message)
		errs = append(errs, s.record(ctx, channelSlack, "subscription.past_due", err))
	}
	return errors.Join(errs...)
}

func (s *Service) record(ctx context.Context, channel, eventType string, err error) error {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	s.metrics.RecordNotification(ctx, channel, eventType, result)
	if err != nil {
		return fmt.Errorf("%s %s: %w", channel, eventType, err)
	}
	return nil
}

func (s *Service) skip(ctx context.Context, eventType, subscriptionID string) {
	s.metrics.RecordNotification(ctx, channelNone, eventType, "skipped")
	s.log.Warn("no notification channel configured",
		zap.String("event_type", eventType),
		zap.String("subscription_id", subscriptionID),
	)
}

type emailItem struct {
	Description string
	Quantity    int
	UnitPrice   string
	LineTotal   string
}

func succeededEmail(event notificationdomain.PaymentSucceeded) map[string]interface{} {
	currency := event.Invoice.Currency
	transactionID := ""
	if event.Invoice.TransactionID != nil {
		transactionID = *event.Invoice.TransactionID
	}
	items := make([]emailItem, 0, len(event.Subscription.Items))
	for _, item := range event.Subscription.Items {
		description := item.ProductName
		if item.VariantTitle != "" {
			description += " (" + item.VariantTitle + ")"
		}
		items = append(items, emailItem{
			Description: description,
			Quantity:    item.Quantity,
			UnitPrice:   format.Money(item.PriceCents, currency),
			LineTotal:   format.Money(item.PriceCents*int64(item.Quantity), currency),
		})
	}
	return map[string]interface{}{
		"subject":         "Receipt for your subscription - " + event.Invoice.InvoiceNumber,
		"FirstName":       event.Customer.FirstName,
		"InvoiceNumber":   event.Invoice.InvoiceNumber,
		"TransactionID":   transactionID,
		"BillingDate":     event.Invoice.BillingDate.String(),
		"NextBillingDate": event.Subscription.NextBillingDate.String(),
		"Amount":          format.Money(event.Invoice.TotalCents, currency),
		"Items":           items,
	}
}

func failedEmail(event notificationdomain.PaymentFailed) map[string]interface{} {
	nextRetry := ""
	if event.Invoice.NextRetryAt != nil {
		nextRetry = event.Invoice.NextRetryAt.UTC().Format("2006-01-02")
	}
	return map[string]interface{}{
		"subject":       "Action needed: subscription payment failed",
		"FirstName":     event.Customer.FirstName,
		"InvoiceNumber": event.Invoice.InvoiceNumber,
		"Amount":        format.Money(event.Invoice.TotalCents, event.Invoice.Currency),
		"AttemptCount":  event.Invoice.AttemptCount,
		"ErrorMessage":  event.ErrorMessage,
		"PastDue":       event.PastDue,
		"NextRetryDate": nextRetry,
	}
}
