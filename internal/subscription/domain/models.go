// Package domain contains persistence models for subscriptions and their
// billing history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// SubscriptionType distinguishes curated bundles from single-product boxes.
type SubscriptionType string

const (
	SubscriptionTypeBundle  SubscriptionType = "bundle"
	SubscriptionTypeProduct SubscriptionType = "product"
)

// Frequency is the delivery and billing cadence.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	Frequency4Weeks   Frequency = "4-weeks"
	Frequency6Weeks   Frequency = "6-weeks"
	Frequency8Weeks   Frequency = "8-weeks"
)

// Item is one line of the recurring box.
type Item struct {
	ProductName  string `json:"product_name"`
	VariantTitle string `json:"variant_title,omitempty"`
	Quantity     int    `json:"quantity"`
	PriceCents   int64  `json:"price_cents"`
}

// Subscription captures a customer's recurring order.
type Subscription struct {
	ID              snowflake.ID              `gorm:"primaryKey" json:"id"`
	CustomerID      snowflake.ID              `gorm:"not null;index" json:"customer_id"`
	PaymentMethodID *snowflake.ID             `json:"payment_method_id,omitempty"`
	Type            SubscriptionType          `gorm:"type:text;not null" json:"type"`
	AmountCents     int64                     `gorm:"not null" json:"amount_cents"`
	Currency        string                    `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Frequency       Frequency                 `gorm:"type:text;not null" json:"frequency"`
	Status          SubscriptionStatus        `gorm:"type:text;not null;index:idx_subscriptions_due,priority:1" json:"status"`
	NextBillingDate billingdate.Date          `gorm:"not null;index:idx_subscriptions_due,priority:2" json:"next_billing_date"`
	LastBillingDate billingdate.Date          `json:"last_billing_date,omitempty"`
	Items           datatypes.JSONSlice[Item] `gorm:"not null" json:"items"`
	Version         int64                     `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time                 `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time                 `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsActive reports whether the subscription participates in scheduled billing.
func (s Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// HistoryAction names an audited subscription event.
type HistoryAction string

const (
	HistoryActionPaymentSucceeded       HistoryAction = "payment_succeeded"
	HistoryActionPaymentFailed          HistoryAction = "payment_failed"
	HistoryActionManualBillingTriggered HistoryAction = "manual_billing_triggered"
	HistoryActionReactivated            HistoryAction = "reactivated"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeAdmin  ActorType = "admin"
)

// HistoryEntry is an append-only audit record.
type HistoryEntry struct {
	ID             snowflake.ID       `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID       `gorm:"not null;index" json:"subscription_id"`
	Action         HistoryAction      `gorm:"type:text;not null" json:"action"`
	OldStatus      SubscriptionStatus `gorm:"type:text" json:"old_status,omitempty"`
	NewStatus      SubscriptionStatus `gorm:"type:text" json:"new_status,omitempty"`
	ActorType      ActorType          `gorm:"type:text;not null" json:"actor_type"`
	ActorID        string             `gorm:"type:text" json:"actor_id,omitempty"`
	Notes          string             `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt      time.Time          `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (HistoryEntry) TableName() string { return "subscription_history" }
