package service

import (
	"errors"
	"testing"
	"time"

	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
)

func TestReconcileDecisions(t *testing.T) {
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	sub := &subscriptiondomain.Subscription{NextBillingDate: billingdate.MustParse("2025-03-10")}
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	invoice := func(billing string, status invoicedomain.InvoiceStatus, retryAt *time.Time) *invoicedomain.Invoice {
		return &invoicedomain.Invoice{
			InvoiceNumber: "INV-TEST",
			BillingDate:   billingdate.MustParse(billing),
			Status:        status,
			NextRetryAt:   retryAt,
		}
	}

	cases := []struct {
		name   string
		latest *invoicedomain.Invoice
		want   billingdomain.Decision
	}{
		{name: "no invoice", latest: nil, want: billingdomain.DecisionCreate},
		{name: "previous cycle paid", latest: invoice("2025-02-10", invoicedomain.InvoiceStatusPaid, nil), want: billingdomain.DecisionCreate},
		{name: "previous cycle failed", latest: invoice("2025-02-10", invoicedomain.InvoiceStatusFailed, &future), want: billingdomain.DecisionCreate},
		{name: "lexically later but earlier date", latest: invoice("2025-03-09", invoicedomain.InvoiceStatusPending, nil), want: billingdomain.DecisionCreate},
		{name: "current cycle paid", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusPaid, nil), want: billingdomain.DecisionSkipPaid},
		{name: "failed inside retry window", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusFailed, &future), want: billingdomain.DecisionSkipRetryWindow},
		{name: "failed retry window elapsed", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusFailed, &past), want: billingdomain.DecisionRetry},
		{name: "failed retry due exactly now", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusFailed, &now), want: billingdomain.DecisionRetry},
		{name: "failed without retry time", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusFailed, nil), want: billingdomain.DecisionRetry},
		{name: "pending from interrupted run", latest: invoice("2025-03-10", invoicedomain.InvoiceStatusPending, nil), want: billingdomain.DecisionRetry},
	}

	settled := invoice("2025-03-10", invoicedomain.InvoiceStatusPending, nil)
	txn := "txn-settled"
	settled.TransactionID = &txn
	cases = append(cases, struct {
		name   string
		latest *invoicedomain.Invoice
		want   billingdomain.Decision
	}{name: "pending with settled charge", latest: settled, want: billingdomain.DecisionRecordSettled})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Reconcile(sub, tc.latest, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestReconcileRejectsInvoiceAheadOfCycle(t *testing.T) {
	sub := &subscriptiondomain.Subscription{NextBillingDate: billingdate.MustParse("2025-03-10")}
	latest := &invoicedomain.Invoice{BillingDate: billingdate.MustParse("2025-04-10"), Status: invoicedomain.InvoiceStatusPaid}

	_, err := Reconcile(sub, latest, time.Now())
	if !errors.Is(err, billingdomain.ErrInvoiceAheadOfCycle) {
		t.Fatalf("expected ErrInvoiceAheadOfCycle, got %v", err)
	}
}
