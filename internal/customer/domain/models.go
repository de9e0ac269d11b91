package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Customer struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Email     string       `gorm:"type:text;not null;uniqueIndex" json:"email"`
	FirstName string       `gorm:"type:text" json:"first_name,omitempty"`
	LastName  string       `gorm:"type:text" json:"last_name,omitempty"`
	Phone     string       `gorm:"type:text" json:"phone,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// PaymentMethod references a card vaulted with the gateway as a customer
// profile and payment profile pair. No card data is stored.
type PaymentMethod struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID        snowflake.ID `gorm:"not null;index" json:"customer_id"`
	CustomerProfileID string       `gorm:"type:text;not null" json:"customer_profile_id"`
	PaymentProfileID  string       `gorm:"type:text;not null" json:"payment_profile_id"`
	CardType          string       `gorm:"type:text" json:"card_type,omitempty"`
	LastFour          string       `gorm:"type:text" json:"last_four,omitempty"`
	IsDefault         bool         `gorm:"not null;default:false" json:"is_default"`
	IsActive          bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PaymentMethod) TableName() string { return "payment_methods" }
