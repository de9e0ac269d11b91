package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, customer_id, payment_method_id, type, amount_cents, currency, frequency,
	status, next_billing_date, last_billing_date, items, version, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CustomerID,
		subscription.PaymentMethodID,
		subscription.Type,
		subscription.AmountCents,
		subscription.Currency,
		subscription.Frequency,
		subscription.Status,
		subscription.NextBillingDate,
		subscription.LastBillingDate,
		subscription.Items,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, today billingdate.Date) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = ? AND next_billing_date <= ?
		ORDER BY next_billing_date ASC, id ASC`,
		subscriptiondomain.SubscriptionStatusActive,
		today,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) AdvanceCycle(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, lastBilled, nextBilling billingdate.Date, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET last_billing_date = ?, next_billing_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		lastBilled,
		nextBilling,
		now,
		id,
		version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status subscriptiondomain.SubscriptionStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		status,
		now,
		id,
		version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *subscriptiondomain.HistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_history (
			id, subscription_id, action, old_status, new_status, actor_type, actor_id, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.SubscriptionID,
		entry.Action,
		entry.OldStatus,
		entry.NewStatus,
		entry.ActorType,
		entry.ActorID,
		entry.Notes,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, beforeID snowflake.ID, limit int) ([]*subscriptiondomain.HistoryEntry, error) {
	query := db.WithContext(ctx).
		Model(&subscriptiondomain.HistoryEntry{}).
		Where("subscription_id = ?", subscriptionID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}

	var entries []*subscriptiondomain.HistoryEntry
	if err := query.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
