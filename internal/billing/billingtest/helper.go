// Package billingtest provides an in-memory store and fixtures for billing
// tests.
package billingtest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	customerrepo "github.com/smallbiznis/pawbill/internal/customer/repository"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/pawbill/internal/invoice/repository"
	"github.com/smallbiznis/pawbill/internal/migration"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/pawbill/internal/subscription/repository"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns a migrated sqlite database private to the test.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serialises writers the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Fixtures seeds customers, payment methods and subscriptions.
type Fixtures struct {
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewFixtures(t testing.TB, db *gorm.DB) *Fixtures {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return &Fixtures{DB: db, Node: node}
}

type SubscriptionOption func(*subscriptiondomain.Subscription)

func WithStatus(status subscriptiondomain.SubscriptionStatus) SubscriptionOption {
	return func(s *subscriptiondomain.Subscription) { s.Status = status }
}

func WithFrequency(freq subscriptiondomain.Frequency) SubscriptionOption {
	return func(s *subscriptiondomain.Subscription) { s.Frequency = freq }
}

func WithAmount(cents int64) SubscriptionOption {
	return func(s *subscriptiondomain.Subscription) { s.AmountCents = cents }
}

func WithoutPaymentMethod() SubscriptionOption {
	return func(s *subscriptiondomain.Subscription) { s.PaymentMethodID = nil }
}

func WithPaymentMethodID(id snowflake.ID) SubscriptionOption {
	return func(s *subscriptiondomain.Subscription) { s.PaymentMethodID = &id }
}

// Seeded bundles the rows created for one billable subscription.
type Seeded struct {
	Customer      *customerdomain.Customer
	PaymentMethod *customerdomain.PaymentMethod
	Subscription  *subscriptiondomain.Subscription
}

// SeedSubscription creates a customer with a vaulted card and a monthly
// subscription due on nextBilling.
func (f *Fixtures) SeedSubscription(t testing.TB, nextBilling billingdate.Date, opts ...SubscriptionOption) Seeded {
	t.Helper()
	ctx := context.Background()
	now := nextBilling.Time().Add(-30 * 24 * time.Hour)

	customer := &customerdomain.Customer{
		ID:        f.Node.Generate(),
		FirstName: "Jamie",
		LastName:  "Rivera",
		Phone:     "+15555550100",
		CreatedAt: now,
		UpdatedAt: now,
	}
	customer.Email = fmt.Sprintf("customer-%s@example.com", customer.ID)
	customers := customerrepo.Provide()
	if err := customers.Insert(ctx, f.DB, customer); err != nil {
		t.Fatalf("insert customer: %v", err)
	}

	method := &customerdomain.PaymentMethod{
		ID:                f.Node.Generate(),
		CustomerID:        customer.ID,
		CustomerProfileID: "cust-profile-" + customer.ID.String(),
		PaymentProfileID:  "pay-profile-" + customer.ID.String(),
		CardType:          "Visa",
		LastFour:          "1111",
		IsDefault:         true,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := customers.InsertPaymentMethod(ctx, f.DB, method); err != nil {
		t.Fatalf("insert payment method: %v", err)
	}

	subscription := &subscriptiondomain.Subscription{
		ID:              f.Node.Generate(),
		CustomerID:      customer.ID,
		PaymentMethodID: &method.ID,
		Type:            subscriptiondomain.SubscriptionTypeBundle,
		AmountCents:     5999,
		Currency:        "USD",
		Frequency:       subscriptiondomain.FrequencyMonthly,
		Status:          subscriptiondomain.SubscriptionStatusActive,
		NextBillingDate: nextBilling,
		Items: []subscriptiondomain.Item{
			{ProductName: "Salmon Kibble", VariantTitle: "5lb", Quantity: 1, PriceCents: 3999},
			{ProductName: "Chicken Jerky", Quantity: 2, PriceCents: 1000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(subscription)
	}
	if err := subscriptionrepo.Provide().Insert(ctx, f.DB, subscription); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	return Seeded{Customer: customer, PaymentMethod: method, Subscription: subscription}
}

// SeedInvoice stores an invoice as-is, for setting up reconciliation states.
func (f *Fixtures) SeedInvoice(t testing.TB, invoice *invoicedomain.Invoice) *invoicedomain.Invoice {
	t.Helper()
	if invoice.ID == 0 {
		invoice.ID = f.Node.Generate()
	}
	if invoice.InvoiceNumber == "" {
		invoice.InvoiceNumber = "INV-SEED-" + invoice.ID.String()
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = invoice.BillingDate.Time()
		invoice.UpdatedAt = invoice.CreatedAt
	}
	if invoice.Currency == "" {
		invoice.Currency = "USD"
	}
	if err := invoicerepo.Provide().Insert(context.Background(), f.DB, invoice); err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
	return invoice
}

func (f *Fixtures) Subscription(t testing.TB, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	subscription, err := subscriptionrepo.Provide().FindByID(context.Background(), f.DB, id)
	if err != nil {
		t.Fatalf("find subscription: %v", err)
	}
	if subscription == nil {
		t.Fatalf("subscription %s not found", id)
	}
	return subscription
}

func (f *Fixtures) Invoices(t testing.TB, subscriptionID snowflake.ID) []*invoicedomain.Invoice {
	t.Helper()
	var invoices []*invoicedomain.Invoice
	if err := f.DB.Where("subscription_id = ?", subscriptionID).Order("billing_date ASC, id ASC").Find(&invoices).Error; err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	return invoices
}

func (f *Fixtures) History(t testing.TB, subscriptionID snowflake.ID) []*subscriptiondomain.HistoryEntry {
	t.Helper()
	var entries []*subscriptiondomain.HistoryEntry
	if err := f.DB.Where("subscription_id = ?", subscriptionID).Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("list history: %v", err)
	}
	return entries
}

func (f *Fixtures) OrderCount(t testing.TB, subscriptionID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := f.DB.Table("orders").Where("subscription_id = ?", subscriptionID).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	return count
}
