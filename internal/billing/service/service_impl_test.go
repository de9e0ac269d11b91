package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/internal/billing/billingtest"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/clock"
	"github.com/smallbiznis/pawbill/internal/config"
	customerrepo "github.com/smallbiznis/pawbill/internal/customer/repository"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/pawbill/internal/invoice/repository"
	"github.com/smallbiznis/pawbill/internal/lock"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	orderrepo "github.com/smallbiznis/pawbill/internal/order/repository"
	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/pawbill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/pawbill/internal/subscription/service"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var declined = &paymentdomain.DeclineError{Code: "2", Message: "This transaction has been declined."}

type fakeGateway struct {
	mu         sync.Mutex
	configured bool
	requests   []paymentdomain.ChargeRequest
	respond    func(req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error)
}

func (g *fakeGateway) Provider() string { return "fake" }

func (g *fakeGateway) IsConfigured() bool { return g.configured }

func (g *fakeGateway) ChargeCustomerProfile(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	respond := g.respond
	g.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	return &paymentdomain.ChargeResult{TransactionID: fmt.Sprintf("txn-%d", n), ResponseCode: "1"}, nil
}

func (g *fakeGateway) declineAll() {
	g.respond = func(paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		return nil, declined
	}
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type recordingNotifier struct {
	err       error
	succeeded []notificationdomain.PaymentSucceeded
	failed    []notificationdomain.PaymentFailed
}

func (n *recordingNotifier) NotifyPaymentSucceeded(ctx context.Context, event notificationdomain.PaymentSucceeded) error {
	n.succeeded = append(n.succeeded, event)
	return n.err
}

func (n *recordingNotifier) NotifyPaymentFailed(ctx context.Context, event notificationdomain.PaymentFailed) error {
	n.failed = append(n.failed, event)
	return n.err
}

type harness struct {
	svc      *Service
	fixtures *billingtest.Fixtures
	clock    *clock.FakeClock
	gateway  *fakeGateway
	notifier *recordingNotifier
	locker   *lock.LocalLocker
}

var startOfCycle = time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := billingtest.OpenDB(t)
	fixtures := billingtest.NewFixtures(t, db)
	log := zaptest.NewLogger(t)
	fakeClock := clock.NewFakeClock(startOfCycle)
	gateway := &fakeGateway{configured: true}
	notifier := &recordingNotifier{}
	locker := lock.NewLocalLocker()

	genID, err := snowflake.NewNode(2)
	require.NoError(t, err)

	subscriptions := subscriptionrepo.Provide()
	svc := NewService(ServiceParam{
		DB:     db,
		Log:    log,
		GenID:  genID,
		Clock:  fakeClock,
		Policy: config.StaticBillingPolicy(config.DefaultBillingPolicy()),
		Locker: locker,

		SubscriptionRepo: subscriptions,
		SubscriptionService: subscriptionservice.NewService(subscriptionservice.ServiceParam{
			DB:    db,
			Log:   log,
			GenID: genID,
			Clock: fakeClock,
			Repo:  subscriptions,
		}),
		InvoiceRepo:  invoicerepo.Provide(),
		CustomerRepo: customerrepo.Provide(),
		OrderRepo:    orderrepo.Provide(),
		Gateway:      gateway,
		Notifier:     notifier,
	}).(*Service)

	return &harness{
		svc:      svc,
		fixtures: fixtures,
		clock:    fakeClock,
		gateway:  gateway,
		notifier: notifier,
		locker:   locker,
	}
}

func (h *harness) run(t *testing.T) billingdomain.RunSummary {
	t.Helper()
	summary, err := h.svc.Run(context.Background(), billingdomain.RunRequest{Now: h.clock.Now()})
	require.NoError(t, err)
	return summary
}

func (h *harness) runManual(t *testing.T, id snowflake.ID) billingdomain.RunSummary {
	t.Helper()
	summary, err := h.svc.Run(context.Background(), billingdomain.RunRequest{SubscriptionID: &id, Now: h.clock.Now(), Actor: "admin-1"})
	require.NoError(t, err)
	return summary
}

func TestFirstRunCreatesInvoiceChargesAndAdvances(t *testing.T) {
	h := newHarness(t)
	seeded := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"))
	sub := seeded.Subscription

	summary := h.run(t)
	assert.Equal(t, billingdomain.RunSummary{Processed: 1, Succeeded: 1, Errors: []billingdomain.SubscriptionError{}}, summary)

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 1)
	invoice := invoices[0]
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, 1, invoice.AttemptCount)
	assert.Equal(t, int64(5999), invoice.TotalCents)
	assert.Equal(t, "2025-01-01", invoice.BillingDate.String())
	assert.Equal(t, "2025-01-01", invoice.DueDate.String())
	assert.True(t, strings.HasPrefix(invoice.InvoiceNumber, "INV-"))
	require.NotNil(t, invoice.TransactionID)
	require.NotNil(t, invoice.OrderID)
	require.NotNil(t, invoice.PaidAt)
	assert.Nil(t, invoice.NextRetryAt)

	assert.Equal(t, int64(1), h.fixtures.OrderCount(t, sub.ID))
	var orderTotal int64
	require.NoError(t, h.fixtures.DB.Table("orders").Select("total_cents").Where("id = ?", *invoice.OrderID).Scan(&orderTotal).Error)
	assert.Equal(t, int64(5999), orderTotal)

	updated := h.fixtures.Subscription(t, sub.ID)
	assert.Equal(t, "2025-01-01", updated.LastBillingDate.String())
	assert.Equal(t, "2025-02-01", updated.NextBillingDate.String())
	assert.True(t, updated.NextBillingDate.After(sub.NextBillingDate))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, sub.Version+1, updated.Version)

	history := h.fixtures.History(t, sub.ID)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.HistoryActionPaymentSucceeded, history[0].Action)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, history[0].OldStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, history[0].NewStatus)
	assert.Contains(t, history[0].Notes, "Invoice: "+invoice.InvoiceNumber)

	require.Len(t, h.gateway.requests, 1)
	req := h.gateway.requests[0]
	assert.Equal(t, int64(5999), req.AmountCents)
	assert.Equal(t, invoice.InvoiceNumber, req.InvoiceNumber)
	assert.Equal(t, "Subscription payment - bundle", req.Description)
	assert.Equal(t, seeded.PaymentMethod.CustomerProfileID, req.CustomerProfileID)
	assert.Equal(t, seeded.PaymentMethod.PaymentProfileID, req.PaymentProfileID)

	require.Len(t, h.notifier.succeeded, 1)
	event := h.notifier.succeeded[0]
	assert.Equal(t, seeded.Customer.Email, event.Customer.Email)
	assert.Equal(t, "2025-02-01", event.Subscription.NextBillingDate.String())
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, event.Invoice.Status)
	assert.True(t, strings.HasPrefix(event.OrderNumber, "SUB-20250101-"))
}

func TestSecondRunDoesNotBillAgain(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	h.run(t)
	summary := h.run(t)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, h.gateway.calls())
	assert.Len(t, h.fixtures.Invoices(t, sub.ID), 1)
	assert.Equal(t, int64(1), h.fixtures.OrderCount(t, sub.ID))
	assert.Len(t, h.fixtures.History(t, sub.ID), 1)
}

func TestPaidInvoiceForCycleIsSkipped(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	paidAt := startOfCycle.Add(-time.Hour)
	h.fixtures.SeedInvoice(t, &invoicedomain.Invoice{
		SubscriptionID: sub.ID,
		Status:         invoicedomain.InvoiceStatusPaid,
		SubtotalCents:  5999,
		TotalCents:     5999,
		BillingDate:    sub.NextBillingDate,
		DueDate:        sub.NextBillingDate,
		AttemptCount:   1,
		PaidAt:         &paidAt,
	})

	for i := 0; i < 2; i++ {
		summary := h.run(t)
		assert.Equal(t, 1, summary.Processed)
		assert.Equal(t, 1, summary.Succeeded)
		assert.Equal(t, 1, summary.Skipped)
	}

	assert.Zero(t, h.gateway.calls())
	assert.Len(t, h.fixtures.Invoices(t, sub.ID), 1)
	assert.Zero(t, h.fixtures.OrderCount(t, sub.ID))
	assert.Empty(t, h.fixtures.History(t, sub.ID))
}

func TestFailureSchedulesRetryByAttempt(t *testing.T) {
	cases := []struct {
		name          string
		priorAttempts int
		wantAttempt   int
		wantDelay     time.Duration
		wantPastDue   bool
	}{
		{name: "first attempt", priorAttempts: 0, wantAttempt: 1, wantDelay: 3 * 24 * time.Hour},
		{name: "second attempt", priorAttempts: 1, wantAttempt: 2, wantDelay: 5 * 24 * time.Hour},
		{name: "third attempt", priorAttempts: 2, wantAttempt: 3, wantDelay: 7 * 24 * time.Hour, wantPastDue: true},
		{name: "fourth attempt", priorAttempts: 3, wantAttempt: 4, wantDelay: 7 * 24 * time.Hour, wantPastDue: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.declineAll()
			sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
			if tc.priorAttempts > 0 {
				retryAt := startOfCycle.Add(-time.Minute)
				lastError := "previous decline"
				h.fixtures.SeedInvoice(t, &invoicedomain.Invoice{
					SubscriptionID: sub.ID,
					Status:         invoicedomain.InvoiceStatusFailed,
					SubtotalCents:  sub.AmountCents,
					TotalCents:     sub.AmountCents,
					BillingDate:    sub.NextBillingDate,
					DueDate:        sub.NextBillingDate,
					AttemptCount:   tc.priorAttempts,
					NextRetryAt:    &retryAt,
					LastError:      &lastError,
				})
			}

			summary := h.run(t)
			require.Equal(t, 1, summary.Failed)
			assert.Contains(t, summary.Errors[0].Error, "declined")

			invoices := h.fixtures.Invoices(t, sub.ID)
			require.Len(t, invoices, 1)
			invoice := invoices[0]
			assert.Equal(t, invoicedomain.InvoiceStatusFailed, invoice.Status)
			assert.Equal(t, tc.wantAttempt, invoice.AttemptCount)
			require.NotNil(t, invoice.LastError)
			assert.Equal(t, declined.Message, *invoice.LastError)
			require.NotNil(t, invoice.NextRetryAt)

			want := startOfCycle.Add(tc.wantDelay)
			assert.True(t, invoice.NextRetryAt.Equal(want), "next retry %s, want %s", invoice.NextRetryAt, want)
			for _, off := range []time.Duration{-24 * time.Hour, 24 * time.Hour} {
				assert.False(t, invoice.NextRetryAt.Equal(want.Add(off)))
			}

			updated := h.fixtures.Subscription(t, sub.ID)
			if tc.wantPastDue {
				assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, updated.Status)
			} else {
				assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, updated.Status)
			}
			assert.Equal(t, sub.NextBillingDate, updated.NextBillingDate)
			assert.Zero(t, h.fixtures.OrderCount(t, sub.ID))

			require.Len(t, h.notifier.failed, 1)
			assert.Equal(t, tc.wantPastDue, h.notifier.failed[0].PastDue)
			assert.Equal(t, declined.Message, h.notifier.failed[0].ErrorMessage)
		})
	}
}

func TestRetryWindowNotElapsedIsSkipped(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	retryAt := startOfCycle.Add(time.Hour)
	h.fixtures.SeedInvoice(t, &invoicedomain.Invoice{
		SubscriptionID: sub.ID,
		Status:         invoicedomain.InvoiceStatusFailed,
		SubtotalCents:  sub.AmountCents,
		TotalCents:     sub.AmountCents,
		BillingDate:    sub.NextBillingDate,
		DueDate:        sub.NextBillingDate,
		AttemptCount:   1,
		NextRetryAt:    &retryAt,
	})

	summary := h.run(t)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, h.gateway.calls())

	h.clock.Advance(time.Hour)
	summary = h.run(t)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 1, h.gateway.calls())
	assert.Equal(t, 2, h.fixtures.Invoices(t, sub.ID)[0].AttemptCount)
}

func TestStaleInvoiceIsLeftUntouched(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	retryAt := startOfCycle.Add(-48 * time.Hour)
	lastError := "card expired"
	stale := h.fixtures.SeedInvoice(t, &invoicedomain.Invoice{
		SubscriptionID: sub.ID,
		Status:         invoicedomain.InvoiceStatusFailed,
		SubtotalCents:  4999,
		TotalCents:     4999,
		BillingDate:    billingdate.MustParse("2024-12-01"),
		DueDate:        billingdate.MustParse("2024-12-01"),
		AttemptCount:   2,
		NextRetryAt:    &retryAt,
		LastError:      &lastError,
	})
	summary := h.run(t)
	require.Equal(t, 0, summary.Failed, "%v", summary.Errors)

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 2)
	untouched := invoices[0]
	assert.Equal(t, stale.ID, untouched.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, untouched.Status)
	assert.Equal(t, 2, untouched.AttemptCount)
	assert.Equal(t, int64(4999), untouched.TotalCents)
	require.NotNil(t, untouched.LastError)
	assert.Equal(t, lastError, *untouched.LastError)
	require.NotNil(t, untouched.NextRetryAt)
	assert.True(t, untouched.NextRetryAt.Equal(retryAt))
	assert.True(t, untouched.UpdatedAt.Equal(stale.UpdatedAt))
	assert.Nil(t, untouched.TransactionID)

	fresh := invoices[1]
	assert.Equal(t, "2025-01-01", fresh.BillingDate.String())
	assert.Equal(t, 1, fresh.AttemptCount)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, fresh.Status)
}

func TestThreeFailedRunsMovePastDue(t *testing.T) {
	h := newHarness(t)
	h.gateway.declineAll()
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"), billingtest.WithAmount(5999)).Subscription

	for i, gap := range []int{0, 3, 5} {
		h.clock.AdvanceDays(gap)
		summary := h.run(t)
		require.Equal(t, 1, summary.Processed, "run %d", i+1)
		require.Equal(t, 1, summary.Failed, "run %d", i+1)
	}

	updated := h.fixtures.Subscription(t, sub.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, updated.Status)

	history := h.fixtures.History(t, sub.ID)
	require.Len(t, history, 3)
	for i, entry := range history {
		assert.Equal(t, subscriptiondomain.HistoryActionPaymentFailed, entry.Action)
		assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, entry.OldStatus)
		assert.Contains(t, entry.Notes, fmt.Sprintf("Attempt %d.", i+1))
	}
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, history[0].NewStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, history[1].NewStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, history[2].NewStatus)

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, 3, invoices[0].AttemptCount)
	assert.Equal(t, 3, h.gateway.calls())

	require.Len(t, h.notifier.failed, 3)
	assert.False(t, h.notifier.failed[1].PastDue)
	assert.True(t, h.notifier.failed[2].PastDue)

	// Past-due subscriptions leave the scheduled candidate set.
	h.clock.AdvanceDays(7)
	assert.Zero(t, h.run(t).Processed)
}

func TestPreconditionsFailBeforeInvoicing(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T, h *harness) snowflake.ID
		wantErr error
	}{
		{
			name: "gateway not configured",
			setup: func(t *testing.T, h *harness) snowflake.ID {
				h.gateway.configured = false
				return h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription.ID
			},
			wantErr: billingdomain.ErrGatewayNotConfigured,
		},
		{
			name: "no payment method",
			setup: func(t *testing.T, h *harness) snowflake.ID {
				return h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"), billingtest.WithoutPaymentMethod()).Subscription.ID
			},
			wantErr: billingdomain.ErrMissingPaymentMethod,
		},
		{
			name: "payment method missing",
			setup: func(t *testing.T, h *harness) snowflake.ID {
				return h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"), billingtest.WithPaymentMethodID(snowflake.ID(12345))).Subscription.ID
			},
			wantErr: billingdomain.ErrPaymentMethodNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			id := tc.setup(t, h)

			summary := h.run(t)
			require.Equal(t, 1, summary.Failed)
			assert.Equal(t, id.String(), summary.Errors[0].SubscriptionID)
			assert.Equal(t, tc.wantErr.Error(), summary.Errors[0].Error)
			assert.Empty(t, h.fixtures.Invoices(t, id))
			assert.Zero(t, h.gateway.calls())
		})
	}
}

func TestManualRunTargetsOneSubscription(t *testing.T) {
	h := newHarness(t)
	notDue := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-20")).Subscription
	due := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	summary := h.runManual(t, notDue.ID)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)

	assert.Len(t, h.fixtures.Invoices(t, notDue.ID), 1)
	assert.Empty(t, h.fixtures.Invoices(t, due.ID))
	assert.Equal(t, "2025-02-01", h.fixtures.Subscription(t, notDue.ID).NextBillingDate.String())
	assert.Equal(t, "admin-1", h.fixtures.History(t, notDue.ID)[0].ActorID)
}

func TestManualRunReportsUnknownAndInactive(t *testing.T) {
	h := newHarness(t)
	paused := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"), billingtest.WithStatus(subscriptiondomain.SubscriptionStatusPaused)).Subscription

	summary := h.runManual(t, paused.ID)
	require.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Errors[0].Error, billingdomain.ErrSubscriptionNotActive.Error())

	summary = h.runManual(t, snowflake.ID(999))
	require.Equal(t, 1, summary.Failed)
	assert.Equal(t, billingdomain.ErrSubscriptionNotFound.Error(), summary.Errors[0].Error)
	assert.Zero(t, h.gateway.calls())
}

func TestTriggerManualRecordsHistory(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	summary, err := h.svc.TriggerManual(context.Background(), sub.ID, "admin-7")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	history := h.fixtures.History(t, sub.ID)
	require.Len(t, history, 2)
	assert.Equal(t, subscriptiondomain.HistoryActionPaymentSucceeded, history[0].Action)
	assert.Equal(t, subscriptiondomain.HistoryActionManualBillingTriggered, history[1].Action)
	assert.Equal(t, subscriptiondomain.ActorTypeAdmin, history[1].ActorType)
	assert.Equal(t, "admin-7", history[1].ActorID)
}

func TestTriggerManualRejectsUnknownOrInactive(t *testing.T) {
	h := newHarness(t)
	cancelled := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01"), billingtest.WithStatus(subscriptiondomain.SubscriptionStatusCancelled)).Subscription

	_, err := h.svc.TriggerManual(context.Background(), snowflake.ID(404), "admin-7")
	assert.ErrorIs(t, err, billingdomain.ErrSubscriptionNotFound)

	_, err = h.svc.TriggerManual(context.Background(), cancelled.ID, "admin-7")
	assert.ErrorIs(t, err, billingdomain.ErrSubscriptionNotActive)
	assert.Empty(t, h.fixtures.History(t, cancelled.ID))
}

func TestLockedSubscriptionIsSkipped(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	_, ok, err := h.locker.TryLock(context.Background(), lock.SubscriptionKey(sub.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	summary := h.run(t)
	assert.Equal(t, billingdomain.RunSummary{Processed: 1, Succeeded: 1, Skipped: 1, Errors: []billingdomain.SubscriptionError{}}, summary)
	assert.Zero(t, h.gateway.calls())
	assert.Empty(t, h.fixtures.Invoices(t, sub.ID))
}

func TestLockIsReleasedAfterBilling(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	h.run(t)

	_, ok, err := h.locker.TryLock(context.Background(), lock.SubscriptionKey(sub.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotificationFailureKeepsCommittedState(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("ghl webhook: status 500")
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription

	summary := h.run(t)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, summary.Errors)
	assert.Len(t, h.notifier.succeeded, 1)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.fixtures.Invoices(t, sub.ID)[0].Status)
	assert.Equal(t, "2025-02-01", h.fixtures.Subscription(t, sub.ID).NextBillingDate.String())
}

func TestPanicIsContainedToOneSubscription(t *testing.T) {
	h := newHarness(t)
	first := h.fixtures.SeedSubscription(t, billingdate.MustParse("2024-12-31")).Subscription
	second := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	h.gateway.respond = func(req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		if req.CustomerProfileID == "cust-profile-"+first.CustomerID.String() {
			panic("gateway exploded")
		}
		return &paymentdomain.ChargeResult{TransactionID: "txn-ok"}, nil
	}

	summary := h.run(t)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, first.ID.String(), summary.Errors[0].SubscriptionID)
	assert.Contains(t, summary.Errors[0].Error, "gateway exploded")
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.fixtures.Invoices(t, second.ID)[0].Status)

	// The panicking subscription must not keep its lock.
	_, ok, err := h.locker.TryLock(context.Background(), lock.SubscriptionKey(first.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentUpdateRollsBackSuccessBookkeeping(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	h.gateway.respond = func(req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		err := h.fixtures.DB.Exec(`UPDATE subscriptions SET version = version + 1 WHERE id = ?`, sub.ID).Error
		require.NoError(t, err)
		return &paymentdomain.ChargeResult{TransactionID: "txn-raced"}, nil
	}

	summary := h.run(t)
	require.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Errors[0].Error, billingdomain.ErrConcurrentUpdate.Error())
	assert.Contains(t, summary.Errors[0].Error, "txn-raced")

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoices[0].Status)
	require.NotNil(t, invoices[0].TransactionID)
	assert.Equal(t, "txn-raced", *invoices[0].TransactionID)
	assert.Zero(t, h.fixtures.OrderCount(t, sub.ID))
	assert.Empty(t, h.fixtures.History(t, sub.ID))
	assert.Empty(t, h.notifier.succeeded)
}

func TestSettledChargeIsRecordedWithoutChargingAgain(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	h.gateway.respond = func(req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		err := h.fixtures.DB.Exec(`UPDATE subscriptions SET version = version + 1 WHERE id = ?`, sub.ID).Error
		require.NoError(t, err)
		return &paymentdomain.ChargeResult{TransactionID: "txn-raced"}, nil
	}
	require.Equal(t, 1, h.run(t).Failed)

	h.gateway.respond = nil
	h.clock.Advance(time.Hour)
	summary := h.run(t)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 1, h.gateway.calls())

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoices[0].Status)
	require.NotNil(t, invoices[0].TransactionID)
	assert.Equal(t, "txn-raced", *invoices[0].TransactionID)
	assert.Equal(t, 1, invoices[0].AttemptCount)
	assert.EqualValues(t, 1, h.fixtures.OrderCount(t, sub.ID))

	updated := h.fixtures.Subscription(t, sub.ID)
	assert.Equal(t, "2025-02-01", updated.NextBillingDate.String())
	history := h.fixtures.History(t, sub.ID)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.HistoryActionPaymentSucceeded, history[0].Action)
	require.Len(t, h.notifier.succeeded, 1)

	// The cycle is closed; a third run finds nothing due.
	h.clock.Advance(time.Hour)
	assert.Zero(t, h.run(t).Processed)
	assert.Equal(t, 1, h.gateway.calls())
}

func TestEarlyManualChargeKeepsCycleMovingForward(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-02-15"),
		billingtest.WithFrequency(subscriptiondomain.FrequencyWeekly)).Subscription

	summary := h.runManual(t, sub.ID)
	require.Equal(t, 1, summary.Succeeded)
	updated := h.fixtures.Subscription(t, sub.ID)
	assert.Equal(t, "2025-02-22", updated.NextBillingDate.String())
	assert.Equal(t, "2025-01-01", updated.LastBillingDate.String())

	for _, day := range []string{"2025-01-08", "2025-01-15", "2025-02-15"} {
		h.clock.Set(billingdate.MustParse(day).Time().Add(6 * time.Hour))
		assert.Zero(t, h.run(t).Processed, "run on %s", day)
	}

	h.clock.Set(billingdate.MustParse("2025-02-22").Time().Add(6 * time.Hour))
	summary = h.run(t)
	require.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 2, h.gateway.calls())

	invoices := h.fixtures.Invoices(t, sub.ID)
	require.Len(t, invoices, 2)
	assert.Equal(t, "2025-02-15", invoices[0].BillingDate.String())
	assert.Equal(t, "2025-02-22", invoices[1].BillingDate.String())
	assert.Equal(t, "2025-03-01", h.fixtures.Subscription(t, sub.ID).NextBillingDate.String())
}

func TestInvoiceAheadOfCycleIsReported(t *testing.T) {
	h := newHarness(t)
	sub := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	h.fixtures.SeedInvoice(t, &invoicedomain.Invoice{
		SubscriptionID: sub.ID,
		Status:         invoicedomain.InvoiceStatusPending,
		SubtotalCents:  sub.AmountCents,
		TotalCents:     sub.AmountCents,
		BillingDate:    billingdate.MustParse("2025-02-01"),
		DueDate:        billingdate.MustParse("2025-02-01"),
		AttemptCount:   1,
	})

	summary := h.run(t)
	require.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Errors[0].Error, billingdomain.ErrInvoiceAheadOfCycle.Error())
	assert.Zero(t, h.gateway.calls())
}

func TestCandidatesAreBilledOldestFirst(t *testing.T) {
	h := newHarness(t)
	later := h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-01")).Subscription
	earlier := h.fixtures.SeedSubscription(t, billingdate.MustParse("2024-12-15")).Subscription
	h.fixtures.SeedSubscription(t, billingdate.MustParse("2025-01-02"))

	summary := h.run(t)
	assert.Equal(t, 2, summary.Processed)
	require.Len(t, h.gateway.requests, 2)
	assert.Equal(t, "cust-profile-"+earlier.CustomerID.String(), h.gateway.requests[0].CustomerProfileID)
	assert.Equal(t, "cust-profile-"+later.CustomerID.String(), h.gateway.requests[1].CustomerProfileID)
}
