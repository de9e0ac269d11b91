package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/pawbill/pkg/db/pagination"
)

type ListHistoryResponse struct {
	pagination.PageInfo
	Entries []*HistoryEntry `json:"entries"`
}

type Service interface {
	GetByID(ctx context.Context, id string) (*Subscription, error)
	ListHistory(ctx context.Context, id string, page pagination.Pagination) (ListHistoryResponse, error)
	// Reactivate returns a past-due subscription to active so the next run
	// retries its current cycle.
	Reactivate(ctx context.Context, id string, actorID string) (*Subscription, error)
	// RecordManualBilling appends a manual_billing_triggered entry.
	RecordManualBilling(ctx context.Context, id string, actorID string) error
}

var (
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionNotPastDue = errors.New("subscription_not_past_due")
	ErrSubscriptionConflict   = errors.New("subscription_conflict")
)
