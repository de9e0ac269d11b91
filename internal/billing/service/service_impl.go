package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/clock"
	"github.com/smallbiznis/pawbill/internal/config"
	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/lock"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	obscontext "github.com/smallbiznis/pawbill/internal/observability/context"
	"github.com/smallbiznis/pawbill/internal/observability/logger"
	"github.com/smallbiznis/pawbill/internal/observability/metrics"
	"github.com/smallbiznis/pawbill/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/pawbill/internal/order/domain"
	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.BillingPolicyHolder
	locker  lock.Locker
	metrics *metrics.BillingMetrics

	subscriptions   subscriptiondomain.Repository
	subscriptionSvc subscriptiondomain.Service
	invoices        invoicedomain.Repository
	customers       customerdomain.Repository
	orders          orderdomain.Repository
	gateway         paymentdomain.Gateway
	notifier        notificationdomain.Notifier
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.BillingPolicyHolder
	Locker  lock.Locker
	Metrics *metrics.BillingMetrics `optional:"true"`

	SubscriptionRepo    subscriptiondomain.Repository
	SubscriptionService subscriptiondomain.Service
	InvoiceRepo         invoicedomain.Repository
	CustomerRepo        customerdomain.Repository
	OrderRepo           orderdomain.Repository
	Gateway             paymentdomain.Gateway
	Notifier            notificationdomain.Notifier
}

func NewService(p ServiceParam) billingdomain.Service {
	m := p.Metrics
	if m == nil {
		m = metrics.Billing()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billing.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		locker:  p.Locker,
		metrics: m,

		subscriptions:   p.SubscriptionRepo,
		subscriptionSvc: p.SubscriptionService,
		invoices:        p.InvoiceRepo,
		customers:       p.CustomerRepo,
		orders:          p.OrderRepo,
		gateway:         p.Gateway,
		notifier:        p.Notifier,
	}
}

func (s *Service) Run(ctx context.Context, req billingdomain.RunRequest) (billingdomain.RunSummary, error) {
	if req.Now.IsZero() {
		req.Now = s.clock.Now()
	}
	req.Now = req.Now.UTC()
	if req.Actor == "" {
		req.Actor = string(subscriptiondomain.ActorTypeSystem)
	}
	trigger := req.Trigger()

	runID := s.genID.Generate().String()
	ctx = obscontext.WithRunID(ctx, runID)
	ctx, span := tracing.Tracer().Start(ctx, "billing.run", trace.WithAttributes(
		attribute.String("billing.trigger", trigger),
	))
	defer span.End()

	log := logger.WithContext(ctx, s.log)
	summary := billingdomain.RunSummary{Errors: []billingdomain.SubscriptionError{}}

	candidates, err := s.candidates(ctx, req)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "list candidates")
		log.Error("failed to load billing candidates", zap.Error(err))
		return summary, fmt.Errorf("load billing candidates: %w", err)
	}
	log.Info("billing run started",
		zap.String("trigger", trigger),
		zap.Int("candidates", len(candidates)),
		zap.String("billing_date", billingdate.Of(req.Now).String()),
	)

	for _, id := range candidates {
		summary.Processed++
		outcome, err := s.processSafely(ctx, req, id)
		s.metrics.IncOutcome(trigger, string(outcome))
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, billingdomain.SubscriptionError{
				SubscriptionID: id.String(),
				Error:          err.Error(),
			})
			continue
		}
		summary.Succeeded++
		if outcome.Skipped() {
			summary.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("billing.processed", summary.Processed),
		attribute.Int("billing.failed", summary.Failed),
	)
	log.Info("billing run completed",
		zap.String("trigger", trigger),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (s *Service) TriggerManual(ctx context.Context, subscriptionID snowflake.ID, actorID string) (billingdomain.RunSummary, error) {
	subscription, err := s.subscriptions.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return billingdomain.RunSummary{}, err
	}
	if subscription == nil {
		return billingdomain.RunSummary{}, billingdomain.ErrSubscriptionNotFound
	}
	if !subscription.IsActive() {
		return billingdomain.RunSummary{}, billingdomain.ErrSubscriptionNotActive
	}

	ctx = obscontext.WithActor(ctx, string(subscriptiondomain.ActorTypeAdmin), actorID)
	summary, err := s.Run(ctx, billingdomain.RunRequest{
		SubscriptionID: &subscriptionID,
		Now:            s.clock.Now(),
		Actor:          actorID,
	})
	if err != nil {
		return summary, err
	}

	if err := s.subscriptionSvc.RecordManualBilling(ctx, subscriptionID.String(), actorID); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to record manual billing history",
			zap.String("subscription_id", subscriptionID.String()),
			zap.Error(err),
		)
	}
	return summary, nil
}

func (s *Service) candidates(ctx context.Context, req billingdomain.RunRequest) ([]snowflake.ID, error) {
	if req.SubscriptionID != nil {
		return []snowflake.ID{*req.SubscriptionID}, nil
	}

	due, err := s.subscriptions.ListDue(ctx, s.db, billingdate.Of(req.Now))
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(due))
	for _, subscription := range due {
		ids = append(ids, subscription.ID)
	}
	return ids, nil
}

// processSafely isolates one subscription so a panic cannot abort the run.
func (s *Service) processSafely(ctx context.Context, req billingdomain.RunRequest, id snowflake.ID) (outcome billingdomain.Outcome, err error) {
	ctx = obscontext.WithSubscriptionID(ctx, id.String())
	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(ctx, s.log).Error("panic while billing subscription",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = billingdomain.OutcomeError
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.process(ctx, req, id)
}

func (s *Service) process(ctx context.Context, req billingdomain.RunRequest, id snowflake.ID) (billingdomain.Outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "billing.process_subscription", trace.WithAttributes(
		attribute.String("billing.subscription_id", id.String()),
	))
	defer span.End()
	log := logger.WithContext(ctx, s.log)

	policy := s.policy.Get()
	key := lock.SubscriptionKey(id)
	token, acquired, err := s.locker.TryLock(ctx, key, policy.LockTTL)
	if err != nil {
		return billingdomain.OutcomeError, fmt.Errorf("acquire billing lock: %w", err)
	}
	if !acquired {
		s.metrics.IncLockContention(s.locker.Backend())
		log.Info("subscription locked by another run, skipping")
		return billingdomain.OutcomeSkippedLocked, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release billing lock", zap.Error(err))
		}
	}()

	outcome, err := s.bill(ctx, req, id)
	span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, string(outcome))
		log.Warn("subscription billing failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
	return outcome, err
}

// bill runs one subscription through reconciliation, charge and bookkeeping.
// The caller holds the subscription lock.
func (s *Service) bill(ctx context.Context, req billingdomain.RunRequest, id snowflake.ID) (billingdomain.Outcome, error) {
	subscription, err := s.subscriptions.FindByID(ctx, s.db, id)
	if err != nil {
		return billingdomain.OutcomeError, err
	}
	if subscription == nil {
		return billingdomain.OutcomeError, billingdomain.ErrSubscriptionNotFound
	}

	today := billingdate.Of(req.Now)
	manual := req.SubscriptionID != nil
	if !subscription.IsActive() {
		if manual {
			return billingdomain.OutcomeError, fmt.Errorf("%w: status %s", billingdomain.ErrSubscriptionNotActive, subscription.Status)
		}
		// Another run changed it after the candidate list was read.
		return billingdomain.OutcomeSkippedNotDue, nil
	}
	if !manual && subscription.NextBillingDate.After(today) {
		return billingdomain.OutcomeSkippedNotDue, nil
	}

	if !s.gateway.IsConfigured() {
		return billingdomain.OutcomeError, billingdomain.ErrGatewayNotConfigured
	}
	if subscription.PaymentMethodID == nil {
		return billingdomain.OutcomeError, billingdomain.ErrMissingPaymentMethod
	}
	method, err := s.customers.FindPaymentMethod(ctx, s.db, *subscription.PaymentMethodID)
	if err != nil {
		return billingdomain.OutcomeError, err
	}
	if method == nil {
		return billingdomain.OutcomeError, billingdomain.ErrPaymentMethodNotFound
	}

	invoice, decision, err := s.reconcile(ctx, subscription, req.Now)
	if err != nil {
		return billingdomain.OutcomeError, err
	}
	switch decision {
	case billingdomain.DecisionSkipPaid:
		return billingdomain.OutcomeSkippedPaid, nil
	case billingdomain.DecisionSkipRetryWindow:
		return billingdomain.OutcomeSkippedRetryWindow, nil
	}

	c := &cycle{
		subscription: subscription,
		method:       method,
		invoice:      invoice,
		now:          req.Now,
		today:        today,
		actor:        req.Actor,
	}

	if decision == billingdomain.DecisionRecordSettled {
		settled := &paymentdomain.ChargeResult{TransactionID: *invoice.TransactionID}
		if err := s.recordSuccess(ctx, c, settled); err != nil {
			return billingdomain.OutcomeError, err
		}
		return billingdomain.OutcomeRecordedSettled, nil
	}

	result, chargeErr := s.charge(ctx, c)
	if chargeErr != nil {
		outcome := billingdomain.OutcomeError
		if paymentdomain.IsDecline(chargeErr) {
			outcome = billingdomain.OutcomeDeclined
		}
		return outcome, s.recordFailure(ctx, c, chargeErr)
	}

	if err := s.recordSuccess(ctx, c, result); err != nil {
		return billingdomain.OutcomeError, err
	}
	return billingdomain.OutcomeCharged, nil
}

// cycle is the working state for billing one subscription once.
type cycle struct {
	subscription *subscriptiondomain.Subscription
	method       *customerdomain.PaymentMethod
	invoice      *invoicedomain.Invoice
	now          time.Time
	today        billingdate.Date
	actor        string
}

func errorMessage(err error) string {
	var decline *paymentdomain.DeclineError
	if errors.As(err, &decline) && decline.Message != "" {
		return decline.Message
	}
	return err.Error()
}
