package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, subscription_id, invoice_number, status, subtotal_cents, tax_cents,
	shipping_cents, discount_cents, total_cents, currency, payment_method_id, transaction_id,
	order_id, billing_date, due_date, paid_at, attempt_count, last_attempt_at, next_retry_at,
	last_error, created_at, updated_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.SubscriptionID,
		invoice.InvoiceNumber,
		invoice.Status,
		invoice.SubtotalCents,
		invoice.TaxCents,
		invoice.ShippingCents,
		invoice.DiscountCents,
		invoice.TotalCents,
		invoice.Currency,
		invoice.PaymentMethodID,
		invoice.TransactionID,
		invoice.OrderID,
		invoice.BillingDate,
		invoice.DueDate,
		invoice.PaidAt,
		invoice.AttemptCount,
		invoice.LastAttemptAt,
		invoice.NextRetryAt,
		invoice.LastError,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		FROM subscription_invoices
		WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindLatestBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		FROM subscription_invoices
		WHERE subscription_id = ?
		ORDER BY billing_date DESC, id DESC
		LIMIT 1`,
		subscriptionID,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, beforeID snowflake.ID, limit int) ([]*invoicedomain.Invoice, error) {
	query := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("subscription_id = ?", subscriptionID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}

	var invoices []*invoicedomain.Invoice
	if err := query.Order("id DESC").Limit(limit).Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, prevAttempts int, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?,
			next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND attempt_count = ? AND status <> ? AND transaction_id IS NULL`,
		invoicedomain.InvoiceStatusPending,
		now,
		now,
		id,
		prevAttempts,
		invoicedomain.InvoiceStatusPaid,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, orderID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		SET status = ?, transaction_id = ?, order_id = ?, paid_at = ?,
			next_retry_at = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		invoicedomain.InvoiceStatusPaid,
		transactionID,
		orderID,
		now,
		now,
		id,
		invoicedomain.InvoiceStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextRetryAt time.Time, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		SET status = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		invoicedomain.InvoiceStatusFailed,
		lastError,
		nextRetryAt,
		now,
		id,
		invoicedomain.InvoiceStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordSettledCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		SET transaction_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND transaction_id IS NULL`,
		transactionID,
		now,
		id,
		invoicedomain.InvoiceStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
