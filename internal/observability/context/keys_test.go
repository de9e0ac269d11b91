package context

import (
	"context"
	"testing"
)

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithSubscriptionID(ctx, "sub-1")
	ctx = WithActor(ctx, "system", "scheduler")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected request id req-1, got %q", got)
	}
	if got := RunIDFromContext(ctx); got != "run-1" {
		t.Fatalf("expected run id run-1, got %q", got)
	}
	if got := SubscriptionIDFromContext(ctx); got != "sub-1" {
		t.Fatalf("expected subscription id sub-1, got %q", got)
	}
	actorType, actorID := ActorFromContext(ctx)
	if actorType != "system" || actorID != "scheduler" {
		t.Fatalf("unexpected actor %q/%q", actorType, actorID)
	}
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}
