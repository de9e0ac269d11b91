package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
)

type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// Invoice is the charge record for one billing cycle of a subscription.
// At most one invoice exists per (subscription_id, billing_date).
type Invoice struct {
	ID              snowflake.ID     `gorm:"primaryKey" json:"id"`
	SubscriptionID  snowflake.ID     `gorm:"not null;uniqueIndex:ux_subscription_invoices_cycle,priority:1" json:"subscription_id"`
	InvoiceNumber   string           `gorm:"type:text;not null;uniqueIndex" json:"invoice_number"`
	Status          InvoiceStatus    `gorm:"type:text;not null" json:"status"`
	SubtotalCents   int64            `gorm:"not null" json:"subtotal_cents"`
	TaxCents        int64            `gorm:"not null;default:0" json:"tax_cents"`
	ShippingCents   int64            `gorm:"not null;default:0" json:"shipping_cents"`
	DiscountCents   int64            `gorm:"not null;default:0" json:"discount_cents"`
	TotalCents      int64            `gorm:"not null" json:"total_cents"`
	Currency        string           `gorm:"type:text;not null;default:'USD'" json:"currency"`
	PaymentMethodID *snowflake.ID    `json:"payment_method_id,omitempty"`
	TransactionID   *string          `gorm:"type:text" json:"transaction_id,omitempty"`
	OrderID         *snowflake.ID    `json:"order_id,omitempty"`
	BillingDate     billingdate.Date `gorm:"not null;uniqueIndex:ux_subscription_invoices_cycle,priority:2" json:"billing_date"`
	DueDate         billingdate.Date `gorm:"not null" json:"due_date"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	AttemptCount    int              `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptAt   *time.Time       `json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time       `json:"next_retry_at,omitempty"`
	LastError       *string          `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "subscription_invoices" }

func (i Invoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}

// IsSettled reports whether the gateway has taken payment for the invoice.
func (i Invoice) IsSettled() bool {
	return i.TransactionID != nil && *i.TransactionID != ""
}
