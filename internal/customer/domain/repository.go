package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)

	InsertPaymentMethod(ctx context.Context, db *gorm.DB, method *PaymentMethod) error
	FindPaymentMethod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentMethod, error)
}
