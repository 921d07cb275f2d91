package context

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "admin")
	got, ok := ExtractActor(ctx)
	if !ok || got != "admin" {
		t.Errorf("ExtractActor() = %q, %v; want admin, true", got, ok)
	}
}

func TestExtract_Missing(t *testing.T) {
	if _, ok := ExtractActor(context.Background()); ok {
		t.Error("expected no actor on empty context")
	}
	if _, ok := ExtractSourceIP(WithSourceIP(context.Background(), "")); ok {
		t.Error("expected empty source IP to be reported as missing")
	}
}
