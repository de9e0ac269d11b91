package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Run bills every candidate subscription. Only a failure to load the
	// candidates is returned; per-subscription failures land in the summary.
	Run(ctx context.Context, req RunRequest) (RunSummary, error)
	// TriggerManual bills one active subscription immediately on behalf of an
	// admin and records the action in its history.
	TriggerManual(ctx context.Context, subscriptionID snowflake.ID, actorID string) (RunSummary, error)
}
