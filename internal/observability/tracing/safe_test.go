package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsBuyerData(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("buyer_email", "buyer@example.com"),
		attribute.String("client_secret", "pi_secret"),
	)
	if len(attrs) != 1 || attrs[0].Key != "provider" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New("provider said no\n{\"raw\":\"body\"}"))
	if err.Error() != "provider said no" {
		t.Fatalf("unexpected error %q", err.Error())
	}
	long := SafeError(errors.New(strings.Repeat("x", 400)))
	if len(long.Error()) != 256 {
		t.Fatalf("expected truncation to 256, got %d", len(long.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
