package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/pawbill/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() orderdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *orderdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, order_number, customer_id, subscription_id, invoice_id, status, payment_status,
			total_cents, currency, items, is_subscription, transaction_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.OrderNumber,
		order.CustomerID,
		order.SubscriptionID,
		order.InvoiceID,
		order.Status,
		order.PaymentStatus,
		order.TotalCents,
		order.Currency,
		order.Items,
		order.IsSubscription,
		order.TransactionID,
		order.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_number, customer_id, subscription_id, invoice_id, status, payment_status,
			total_cents, currency, items, is_subscription, transaction_id, created_at
		FROM orders
		WHERE id = ?`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}
