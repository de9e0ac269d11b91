package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	// FindLatestBySubscription returns the invoice with the greatest billing
	// date, or nil when the subscription has never been invoiced.
	FindLatestBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Invoice, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, beforeID snowflake.ID, limit int) ([]*Invoice, error)

	// MarkRetry reopens an invoice for another attempt. It only matches when
	// attempt_count still equals prevAttempts.
	MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, prevAttempts int, now time.Time) (bool, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, orderID snowflake.ID, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextRetryAt time.Time, now time.Time) (bool, error)
	// RecordSettledCharge stores the gateway transaction on a pending invoice
	// whose paid bookkeeping could not be committed.
	RecordSettledCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, now time.Time) (bool, error)
}
