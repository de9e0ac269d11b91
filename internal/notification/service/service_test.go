package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/internal/config"
	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
)

type sentTemplate struct {
	to       []string
	template string
	data     map[string]interface{}
}

type fakeEmail struct {
	sent []sentTemplate
	err  error
}

func (f *fakeEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return f.err
}

func (f *fakeEmail) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	fields, _ := data.(map[string]interface{})
	f.sent = append(f.sent, sentTemplate{to: to, template: templateName, data: fields})
	return f.err
}

type fakeSlack struct {
	channels []string
	messages []string
}

func (f *fakeSlack) PostMessage(ctx context.Context, channelID string, message string) error {
	f.channels = append(f.channels, channelID)
	f.messages = append(f.messages, message)
	return nil
}

func sampleSucceeded() notificationdomain.PaymentSucceeded {
	txn := "60212345678"
	return notificationdomain.PaymentSucceeded{
		Customer: customerdomain.Customer{Email: "jamie@example.com", FirstName: "Jamie", LastName: "Rivera"},
		Subscription: subscriptiondomain.Subscription{
			ID:              snowflake.ID(42),
			Status:          subscriptiondomain.SubscriptionStatusActive,
			Frequency:       subscriptiondomain.FrequencyMonthly,
			AmountCents:     5999,
			Currency:        "USD",
			NextBillingDate: billingdate.MustParse("2025-02-15"),
			Items: datatypes.JSONSlice[subscriptiondomain.Item]{
				{ProductName: "Salmon Kibble", VariantTitle: "12 lb", Quantity: 2, PriceCents: 2500},
				{ProductName: "Joint Chews", Quantity: 1, PriceCents: 999},
			},
		},
		Invoice: invoicedomain.Invoice{
			InvoiceNumber: "INV-01JABC",
			TotalCents:    5999,
			Currency:      "USD",
			BillingDate:   billingdate.MustParse("2025-01-15"),
			TransactionID: &txn,
		},
		OrderNumber: "SUB-20250115-42",
	}
}

func sampleFailed(pastDue bool) notificationdomain.PaymentFailed {
	retryAt := time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC)
	succeeded := sampleSucceeded()
	succeeded.Invoice.TransactionID = nil
	succeeded.Invoice.AttemptCount = 3
	succeeded.Invoice.NextRetryAt = &retryAt
	return notificationdomain.PaymentFailed{
		Customer:     succeeded.Customer,
		Subscription: succeeded.Subscription,
		Invoice:      succeeded.Invoice,
		ErrorMessage: "This transaction has been declined.",
		PastDue:      pastDue,
	}
}

func TestGHLPayloadForSuccessfulPayment(t *testing.T) {
	var (
		body map[string]any
		auth string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewGHLClient(server.URL, "ghl-key", server.Client())
	require.NoError(t, client.PaymentSucceeded(context.Background(), sampleSucceeded()))

	assert.Equal(t, "Bearer ghl-key", auth)
	assert.Equal(t, notificationdomain.EventPaymentSucceeded, body["event_type"])

	customer := body["customer"].(map[string]any)
	assert.Equal(t, "jamie@example.com", customer["email"])
	assert.Equal(t, "Jamie", customer["first_name"])

	subscription := body["subscription"].(map[string]any)
	assert.Equal(t, "42", subscription["id"])
	assert.Equal(t, "monthly", subscription["frequency"])
	assert.Equal(t, 59.99, subscription["amount"])
	assert.Equal(t, "2025-02-15", subscription["next_billing_date"])
	items := subscription["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "Salmon Kibble", first["product_name"])
	assert.Equal(t, 25.0, first["price"])

	payment := body["payment"].(map[string]any)
	assert.Equal(t, "INV-01JABC", payment["invoice_number"])
	assert.Equal(t, "60212345678", payment["transaction_id"])
	assert.Equal(t, "2025-01-15", payment["billing_date"])
	_, hasRetry := payment["next_retry_date"]
	assert.False(t, hasRetry)
}

func TestGHLPayloadForFailedPayment(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewGHLClient(server.URL, "", server.Client())
	require.NoError(t, client.PaymentFailed(context.Background(), sampleFailed(false)))

	assert.Equal(t, notificationdomain.EventPaymentFailed, body["event_type"])
	payment := body["payment"].(map[string]any)
	assert.Equal(t, 3.0, payment["attempt_count"])
	assert.Equal(t, "2025-01-20", payment["next_retry_date"])
	assert.Equal(t, "This transaction has been declined.", payment["error_message"])
}

func TestGHLNonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	err := NewGHLClient(server.URL, "nope", server.Client()).PaymentSucceeded(context.Background(), sampleSucceeded())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad key")
}

func TestServicePrefersGHLOverEmail(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mail := &fakeEmail{}
	cfg := config.Config{
		GHL:   config.GHLConfig{WebhookURL: server.URL, Timeout: time.Second},
		Email: config.EmailConfig{SMTPHost: "smtp.example.com"},
	}
	svc := New(Params{Config: cfg, Log: zaptest.NewLogger(t), Email: mail, Slack: &fakeSlack{}})

	require.NoError(t, svc.NotifyPaymentSucceeded(context.Background(), sampleSucceeded()))
	assert.Equal(t, 1, hits)
	assert.Empty(t, mail.sent)
}

func TestServiceFallsBackToEmail(t *testing.T) {
	mail := &fakeEmail{}
	cfg := config.Config{Email: config.EmailConfig{SMTPHost: "smtp.example.com"}}
	svc := New(Params{Config: cfg, Log: zaptest.NewLogger(t), Email: mail, Slack: &fakeSlack{}})

	require.NoError(t, svc.NotifyPaymentSucceeded(context.Background(), sampleSucceeded()))
	require.Len(t, mail.sent, 1)
	sent := mail.sent[0]
	assert.Equal(t, []string{"jamie@example.com"}, sent.to)
	assert.Equal(t, "payment_succeeded", sent.template)
	assert.Equal(t, "$59.99", sent.data["Amount"])
	assert.Equal(t, "2025-02-15", sent.data["NextBillingDate"])
	items := sent.data["Items"].([]emailItem)
	require.Len(t, items, 2)
	assert.Equal(t, "Salmon Kibble (12 lb)", items[0].Description)
	assert.Equal(t, "$50.00", items[0].LineTotal)
}

func TestServiceWithoutChannelsIsSilent(t *testing.T) {
	mail := &fakeEmail{}
	svc := New(Params{Config: config.Config{}, Log: zaptest.NewLogger(t), Email: mail, Slack: &fakeSlack{}})

	assert.NoError(t, svc.NotifyPaymentSucceeded(context.Background(), sampleSucceeded()))
	assert.NoError(t, svc.NotifyPaymentFailed(context.Background(), sampleFailed(false)))
	assert.Empty(t, mail.sent)
}

func TestServiceEmailErrorIsReturned(t *testing.T) {
	mail := &fakeEmail{err: errors.New("smtp: 421 try again later")}
	cfg := config.Config{Email: config.EmailConfig{SMTPHost: "smtp.example.com"}}
	svc := New(Params{Config: cfg, Log: zaptest.NewLogger(t), Email: mail, Slack: &fakeSlack{}})

	err := svc.NotifyPaymentFailed(context.Background(), sampleFailed(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "421")
}

func TestServiceAlertsSlackWhenPastDue(t *testing.T) {
	mail := &fakeEmail{}
	ops := &fakeSlack{}
	cfg := config.Config{
		Email: config.EmailConfig{SMTPHost: "smtp.example.com"},
		Slack: config.SlackConfig{WebhookURL: "https://hooks.slack.test/x", Channel: "#billing-ops"},
	}
	svc := New(Params{Config: cfg, Log: zaptest.NewLogger(t), Email: mail, Slack: ops})

	require.NoError(t, svc.NotifyPaymentFailed(context.Background(), sampleFailed(false)))
	assert.Empty(t, ops.messages)

	require.NoError(t, svc.NotifyPaymentFailed(context.Background(), sampleFailed(true)))
	require.Len(t, ops.messages, 1)
	assert.Equal(t, "#billing-ops", ops.channels[0])
	assert.True(t, strings.Contains(ops.messages[0], "Subscription 42 is past due"))
	assert.Contains(t, ops.messages[0], "INV-01JABC")

	require.Len(t, mail.sent, 2)
	assert.Equal(t, true, mail.sent[1].data["PastDue"])
	assert.Equal(t, "2025-01-20", mail.sent[1].data["NextRetryDate"])
}
