package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appctx "github.com/vidamais/edgeguard/internal/context"
	"pgregory.net/rapid"
)

// MockSink records deliveries and optionally fails or panics.
type MockSink struct {
	mu       sync.Mutex
	name     string
	received []Event
	err      error
	panics   bool
	block    bool
}

func (m *MockSink) Name() string { return m.name }

func (m *MockSink) Notify(ctx context.Context, e Event) error {
	m.mu.Lock()
	m.received = append(m.received, e)
	m.mu.Unlock()
	if m.panics {
		panic("sink exploded")
	}
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.received...)
}

func TestBus_PublishStampsEvent(t *testing.T) {
	sink := &MockSink{name: "mock"}
	bus := NewBus(nil, sink)

	ctx := appctx.WithActor(context.Background(), "admin")
	ctx = appctx.WithSourceIP(ctx, "10.0.0.7")
	bus.Publish(ctx, New(EventTypeRouteAdded, "/admin", "route protected"))

	got := sink.Events()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
	if e.Actor != "admin" {
		t.Errorf("expected actor admin, got %q", e.Actor)
	}
	if e.Data["source_ip"] != "10.0.0.7" {
		t.Errorf("expected source_ip attribute, got %v", e.Data)
	}
}

func TestBus_SinkFailureDoesNotStopDelivery(t *testing.T) {
	failing := &MockSink{name: "failing", err: errors.New("unreachable")}
	panicking := &MockSink{name: "panicking", panics: true}
	healthy := &MockSink{name: "healthy"}
	bus := NewBus(nil, failing, panicking, healthy)

	bus.Publish(context.Background(), New(EventTypeCertIssued, "alice", "issued"))

	if len(healthy.Events()) != 1 {
		t.Error("expected healthy sink to receive the event after earlier sinks failed")
	}
}

func TestBus_SlowSinkIsBounded(t *testing.T) {
	slow := &MockSink{name: "slow", block: true}
	bus := NewBus(nil, slow)
	bus.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	bus.Publish(context.Background(), New(EventTypeProxyReloaded, "", "reloaded"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("publish blocked for %v", elapsed)
	}
}

func TestBus_CancelledContextStillDelivers(t *testing.T) {
	sink := &MockSink{name: "mock"}
	bus := NewBus(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, New(EventTypeRouteRemoved, "/admin", "removed"))

	if len(sink.Events()) != 1 {
		t.Error("expected delivery even though the caller context was cancelled")
	}
}

func TestEventWith_DoesNotMutateOriginal(t *testing.T) {
	base := New(EventTypeCertRevoked, "bob", "revoked").With("reason", "cessationOfOperation")
	derived := base.With("crl", "failed")

	if _, ok := base.Data["crl"]; ok {
		t.Error("With must not mutate the receiver's data")
	}
	if derived.Data["reason"] != "cessationOfOperation" || derived.Data["crl"] != "failed" {
		t.Errorf("unexpected derived data: %v", derived.Data)
	}
}

// Property: every sink sees every event in publish order.
func TestProperty_FanOutPreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nSinks := rapid.IntRange(1, 4).Draw(t, "sinks")
		subjects := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 20).Draw(t, "subjects")

		sinks := make([]Sink, nSinks)
		mocks := make([]*MockSink, nSinks)
		for i := range sinks {
			mocks[i] = &MockSink{name: "mock"}
			sinks[i] = mocks[i]
		}
		bus := NewBus(nil, sinks...)

		for _, s := range subjects {
			bus.Publish(context.Background(), New(EventTypeCertIssued, s, "issued"))
		}

		for _, m := range mocks {
			got := m.Events()
			if len(got) != len(subjects) {
				t.Fatalf("expected %d events, got %d", len(subjects), len(got))
			}
			for i, e := range got {
				if e.Subject != subjects[i] {
					t.Fatalf("event %d: expected subject %q, got %q", i, subjects[i], e.Subject)
				}
			}
		}
	})
}

func TestMemoryStore_RecentNewestFirstAndBounded(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d"} {
		store.Notify(ctx, New(EventTypeCertIssued, s, ""))
	}

	got, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	want := []string{"d", "c", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.Subject != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], e.Subject)
		}
	}

	limited, _ := store.Recent(ctx, 1)
	if len(limited) != 1 || limited[0].Subject != "d" {
		t.Errorf("expected only the newest event, got %v", limited)
	}
}
