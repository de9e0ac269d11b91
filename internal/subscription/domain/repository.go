package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// ListDue returns active subscriptions whose next billing date is on or
	// before today, oldest first.
	ListDue(ctx context.Context, db *gorm.DB, today billingdate.Date) ([]Subscription, error)
	// AdvanceCycle moves the billing dates forward when version still matches.
	AdvanceCycle(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, lastBilled, nextBilling billingdate.Date, now time.Time) (bool, error)
	// UpdateStatus changes status when version still matches.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status SubscriptionStatus, now time.Time) (bool, error)

	InsertHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, beforeID snowflake.ID, limit int) ([]*HistoryEntry, error)
}
