package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPaid OrderStatus = "paid"
)

type PaymentStatus string

const (
	PaymentStatusPaid PaymentStatus = "paid"
)

// Order is the fulfilment record created when a subscription charge settles.
// Orders are never updated by billing.
type Order struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrderNumber    string         `gorm:"type:text;not null;uniqueIndex" json:"order_number"`
	CustomerID     snowflake.ID   `gorm:"not null;index" json:"customer_id"`
	SubscriptionID *snowflake.ID  `gorm:"index" json:"subscription_id,omitempty"`
	InvoiceID      *snowflake.ID  `json:"invoice_id,omitempty"`
	Status         OrderStatus    `gorm:"type:text;not null" json:"status"`
	PaymentStatus  PaymentStatus  `gorm:"type:text;not null" json:"payment_status"`
	TotalCents     int64          `gorm:"not null" json:"total_cents"`
	Currency       string         `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Items          datatypes.JSON `gorm:"not null" json:"items"`
	IsSubscription bool           `gorm:"not null;default:false" json:"is_subscription"`
	TransactionID  string         `gorm:"type:text" json:"transaction_id,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// SubscriptionOrderNumber formats SUB-YYYYMMDD-<id>.
func SubscriptionOrderNumber(at time.Time, id snowflake.ID) string {
	return fmt.Sprintf("SUB-%s-%s", at.UTC().Format("20060102"), id.String())
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
}
