package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(DeliveryPending, DeliveryPublished) {
		t.Fatalf("expected PENDING -> PUBLISHED to be allowed")
	}
	if !CanTransition("gap", "published") {
		t.Fatalf("expected GAP -> PUBLISHED to be allowed case-insensitively")
	}
	if CanTransition(DeliveryPublished, DeliveryGap) {
		t.Fatalf("expected PUBLISHED -> GAP to be blocked")
	}
	if CanTransition(DeliveryGap, DeliveryPending) {
		t.Fatalf("expected GAP -> PENDING to be blocked")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(DeliveryPending, DeliveryGap); ev != DeliveryEventGap {
		t.Fatalf("unexpected event type %q", ev)
	}
	if ev := EventTypeForTransition(DeliveryGap, DeliveryPublished); ev != DeliveryEventRedriven {
		t.Fatalf("unexpected event type %q", ev)
	}
	if ev := EventTypeForTransition(DeliveryPublished, DeliveryPublished); ev != "" {
		t.Fatalf("expected no event for a self transition, got %q", ev)
	}
}

func TestSourcesFor(t *testing.T) {
	got := SourcesFor(DeliveryPublished)
	if len(got) != 2 || got[0] != DeliveryPending || got[1] != DeliveryGap {
		t.Fatalf("unexpected sources: %v", got)
	}
	if got := SourcesFor(DeliveryPending); len(got) != 0 {
		t.Fatalf("expected nothing to move back to PENDING, got %v", got)
	}
}
