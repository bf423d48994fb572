package context

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "system", "scheduler")
	actorType, actorID := ActorFromContext(ctx)
	if actorType != "system" || actorID != "scheduler" {
		t.Fatalf("unexpected actor %q/%q", actorType, actorID)
	}
}
