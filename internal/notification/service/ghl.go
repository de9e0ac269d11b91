package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	"github.com/smallbiznis/pawbill/internal/invoice/format"
	notificationdomain "github.com/smallbiznis/pawbill/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
)

// GHLClient posts billing events to a GoHighLevel inbound webhook, whose
// workflows own the customer email and SMS copy.
type GHLClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewGHLClient(url, apiKey string, client *http.Client) *GHLClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &GHLClient{url: url, apiKey: apiKey, client: client}
}

type ghlPayload struct {
	EventType    string           `json:"event_type"`
	Customer     ghlCustomer      `json:"customer"`
	Subscription *ghlSubscription `json:"subscription,omitempty"`
	Payment      *ghlPayment      `json:"payment,omitempty"`
}

type ghlCustomer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type ghlSubscription struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Frequency       string        `json:"frequency"`
	Amount          json.Number   `json:"amount"`
	NextBillingDate string        `json:"next_billing_date"`
	Items           []ghlLineItem `json:"items"`
}

type ghlLineItem struct {
	ProductName  string      `json:"product_name"`
	VariantTitle string      `json:"variant_title,omitempty"`
	Quantity     int         `json:"quantity"`
	Price        json.Number `json:"price"`
}

type ghlPayment struct {
	InvoiceNumber string      `json:"invoice_number"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Amount        json.Number `json:"amount"`
	BillingDate   string      `json:"billing_date"`
	AttemptCount  int         `json:"attempt_count,omitempty"`
	NextRetryDate string      `json:"next_retry_date,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

func (c *GHLClient) PaymentSucceeded(ctx context.Context, event notificationdomain.PaymentSucceeded) error {
	payload := ghlPayload{
		EventType:    notificationdomain.EventPaymentSucceeded,
		Customer:     ghlCustomerFrom(event.Customer),
		Subscription: ghlSubscriptionFrom(event.Subscription),
		Payment: &ghlPayment{
			InvoiceNumber: event.Invoice.InvoiceNumber,
			Amount:        json.Number(format.Amount(event.Invoice.TotalCents)),
			BillingDate:   event.Invoice.BillingDate.String(),
		},
	}
	if event.Invoice.TransactionID != nil {
		payload.Payment.TransactionID = *event.Invoice.TransactionID
	}
	return c.send(ctx, payload)
}

func (c *GHLClient) PaymentFailed(ctx context.Context, event notificationdomain.PaymentFailed) error {
	payload := ghlPayload{
		EventType:    notificationdomain.EventPaymentFailed,
		Customer:     ghlCustomerFrom(event.Customer),
		Subscription: ghlSubscriptionFrom(event.Subscription),
		Payment: &ghlPayment{
			InvoiceNumber: event.Invoice.InvoiceNumber,
			Amount:        json.Number(format.Amount(event.Invoice.TotalCents)),
			BillingDate:   event.Invoice.BillingDate.String(),
			AttemptCount:  event.Invoice.AttemptCount,
			ErrorMessage:  event.ErrorMessage,
		},
	}
	if event.Invoice.NextRetryAt != nil {
		payload.Payment.NextRetryDate = event.Invoice.NextRetryAt.UTC().Format("2006-01-02")
	}
	return c.send(ctx, payload)
}

func (c *GHLClient) send(ctx context.Context, payload ghlPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ghl webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ghl webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func ghlCustomerFrom(c customerdomain.Customer) ghlCustomer {
	return ghlCustomer{Email: c.Email, FirstName: c.FirstName, LastName: c.LastName, Phone: c.Phone}
}

func ghlSubscriptionFrom(sub subscriptiondomain.Subscription) *ghlSubscription {
	items := make([]ghlLineItem, 0, len(sub.Items))
	for _, item := range sub.Items {
		items = append(items, ghlLineItem{
			ProductName:  item.ProductName,
			VariantTitle: item.VariantTitle,
			Quantity:     item.Quantity,
			Price:        json.Number(format.Amount(item.PriceCents)),
		})
	}
	return &ghlSubscription{
		ID:              sub.ID.String(),
		Status:          string(sub.Status),
		Frequency:       string(sub.Frequency),
		Amount:          json.Number(format.Amount(sub.AmountCents)),
		NextBillingDate: sub.NextBillingDate.String(),
		Items:           items,
	}
}
