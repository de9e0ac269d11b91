package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// RunRequest describes one billing pass. A nil SubscriptionID bills every
// active subscription due on or before Now's date.
type RunRequest struct {
	SubscriptionID *snowflake.ID
	Now            time.Time
	Actor          string
}

func (r RunRequest) Trigger() string {
	if r.SubscriptionID != nil {
		return TriggerManual
	}
	return TriggerScheduled
}

type SubscriptionError struct {
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error"`
}

// RunSummary reports a billing pass. Skipped subscriptions are also counted
// in Succeeded, so Processed always equals Succeeded plus Failed.
type RunSummary struct {
	Processed int                 `json:"processed"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Errors    []SubscriptionError `json:"errors"`
}

// Outcome is the result of billing a single subscription.
type Outcome string

const (
	OutcomeCharged            Outcome = "charged"
	OutcomeDeclined           Outcome = "declined"
	OutcomeRecordedSettled    Outcome = "recorded_settled"
	OutcomeSkippedPaid        Outcome = "skipped_paid"
	OutcomeSkippedRetryWindow Outcome = "skipped_retry_window"
	OutcomeSkippedLocked      Outcome = "skipped_locked"
	OutcomeSkippedNotDue      Outcome = "skipped_not_due"
	OutcomeError              Outcome = "error"
)

func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedPaid, OutcomeSkippedRetryWindow, OutcomeSkippedLocked, OutcomeSkippedNotDue:
		return true
	}
	return false
}

// Decision is what the reconciler wants done with the cycle's invoice.
type Decision int

const (
	DecisionCreate Decision = iota + 1
	DecisionRetry
	DecisionSkipPaid
	DecisionSkipRetryWindow
	// DecisionRecordSettled finishes the bookkeeping of a charge that settled
	// on an earlier run without charging again.
	DecisionRecordSettled
)

func (d Decision) String() string {
	switch d {
	case DecisionCreate:
		return "create"
	case DecisionRetry:
		return "retry"
	case DecisionSkipPaid:
		return "skip_paid"
	case DecisionSkipRetryWindow:
		return "skip_retry_window"
	case DecisionRecordSettled:
		return "record_settled"
	default:
		return "unknown"
	}
}
